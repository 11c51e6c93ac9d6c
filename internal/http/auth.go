package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/splax/botrunner/pkg/crypto"
	"github.com/splax/botrunner/pkg/jwt"
)

// ErrUnauthorized is returned for missing or rejected bearer tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator accepts HS256 worker JWTs or a static token matching a bcrypt hash.
type Authenticator struct {
	jwtSecret string
	tokenHash string
}

// NewAuthenticator constructs an Authenticator. With neither secret set every
// request is accepted.
func NewAuthenticator(jwtSecret, tokenHash string) *Authenticator {
	return &Authenticator{
		jwtSecret: strings.TrimSpace(jwtSecret),
		tokenHash: strings.TrimSpace(tokenHash),
	}
}

// Enabled reports whether tokens are checked.
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.jwtSecret != "" || a.tokenHash != "")
}

// Verify checks a raw bearer token.
func (a *Authenticator) Verify(token string) error {
	if !a.Enabled() {
		return nil
	}
	if a.jwtSecret != "" {
		if _, err := jwt.Parse(token, a.jwtSecret); err == nil {
			return nil
		}
	}
	if a.tokenHash != "" {
		if err := crypto.CompareToken(a.tokenHash, token); err == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

// requireAuth ensures the request carries an accepted bearer token.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.auth.Enabled() {
			next(w, req)
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			r.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if err := r.auth.Verify(token); err != nil {
			r.logger.Warn("token validation failed", "path", req.URL.Path)
			r.writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		next(w, req)
	}
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
