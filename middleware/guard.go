package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MrEthical07/otpauth"
)

// SessionCookieName is the cookie Guard falls back to when no bearer token
// is present.
const SessionCookieName = "otpauth_session"

type sessionContextKey struct{}

// SessionFromContext returns the session validated by Guard.
func SessionFromContext(ctx context.Context) (*otpauth.SessionInfo, bool) {
	res, ok := ctx.Value(sessionContextKey{}).(*otpauth.SessionInfo)
	return res, ok
}

// Guard rejects requests without a live session with 401, or 503 when the
// session store cannot be reached.
func Guard(engine *otpauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				writeKind(w, http.StatusUnauthorized, otpauth.KindUnauthorized)
				return
			}

			token, ok := AccessToken(r)
			if !ok {
				writeKind(w, http.StatusUnauthorized, otpauth.KindUnauthorized)
				return
			}

			info, err := engine.ValidateSession(r.Context(), token)
			if err != nil {
				kind := otpauth.KindOf(err)
				if kind == otpauth.KindUnavailable {
					writeKind(w, http.StatusServiceUnavailable, kind)
					return
				}
				writeKind(w, http.StatusUnauthorized, otpauth.KindUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessToken extracts the access token from the Authorization header or,
// failing that, the session cookie.
func AccessToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func writeKind(w http.ResponseWriter, status int, kind otpauth.ErrorKind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"errorKind": string(kind)})
}
