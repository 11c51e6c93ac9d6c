package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTaskSendsParamsAndToken(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/start_bot", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"failure","error":{"code":"QUOTA_EXCEEDED","message":"Maximum 3 bots per user","details":{"current_bots":3}}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithToken("tok"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	env, err := c.StartBot(context.Background(), StartBotInput{TenantID: "42", BotID: "echo", DeploymentMode: "simple", Code: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, "simple", got["deployment_mode"])
	assert.NotContains(t, got, "git_repo")

	var taskErr *TaskError
	require.ErrorAs(t, env.Err(), &taskErr)
	assert.Equal(t, "QUOTA_EXCEEDED", taskErr.Code)
	assert.EqualValues(t, 3, taskErr.Details["current_bots"])
}

func TestTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"authentication required"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.ListBots(context.Background(), "42")
	var apiErr APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "authentication required", apiErr.Message)
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("runner:5100/")
	require.NoError(t, err)
	assert.Equal(t, "http://runner:5100", c.baseURL)
}
