package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"TOKEN=a=b", "EMPTY="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "a=b", "EMPTY": ""}, got)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)

	got, err = parsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
