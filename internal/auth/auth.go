package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"dirserve/internal/config"
)

type ctxKey string

const userKey ctxKey = "dirserve.user"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func HasAuth(cfg config.Config) bool {
	return len(cfg.Users) > 0
}

// RequireAuth wraps a handler with optional BasicAuth. The server is
// read-only, so there is a single permission: authenticated (or anonymous,
// when cfg.AuthOptional allows it).
// - If cfg.Users is empty: allow all.
// - Else:
//   - if cfg.AuthOptional is false: require valid basic auth
//   - if cfg.AuthOptional is true: allow anonymous; validate creds if present
func RequireAuth(cfg config.Config, next http.Handler) http.Handler {
	if !HasAuth(cfg) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthOptional && r.Header.Get("Authorization") == "" {
			// anonymous request
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := parseBasicAuth(r.Header.Get("Authorization"))
		if !ok {
			deny(w)
			return
		}
		user, ok := cfg.Users[u]
		if !ok {
			deny(w)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.Bcrypt), []byte(p)); err != nil {
			deny(w)
			return
		}
		r = r.WithContext(WithUser(r.Context(), u))
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter) {
	// constant-ish work
	_ = subtle.ConstantTimeByteEq(1, 1)
	w.Header().Set("WWW-Authenticate", `Basic realm="dirserve"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
