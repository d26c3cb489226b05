package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/otpauth"
)

// GuestCookieName carries the anonymous pre-authentication marker.
const GuestCookieName = "otpauth_guest"

// RequestContext copies caller metadata into the request context. When
// trustProxy is set the first X-Forwarded-For hop wins over RemoteAddr.
func RequestContext(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otpauth.WithClientIP(r.Context(), ClientIP(r, trustProxy))
			ctx = otpauth.WithUserAgent(ctx, r.UserAgent())
			if c, err := r.Cookie(GuestCookieName); err == nil && c.Value != "" {
				ctx = otpauth.WithGuestMarker(ctx, c.Value)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
