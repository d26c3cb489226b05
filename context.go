package otpauth

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type guestMarkerContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine uses it
// for per-IP rate limiting, captcha verification and audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx for audit events.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithGuestMarker attaches the anonymous pre-authentication marker of the
// caller. Guest merge and pre-auth destinations are keyed on it; without a
// marker, guest merge falls back to the verified identity.
func WithGuestMarker(ctx context.Context, marker string) context.Context {
	return context.WithValue(ctx, guestMarkerContextKey{}, marker)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func guestMarkerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	marker, _ := ctx.Value(guestMarkerContextKey{}).(string)
	return marker
}
