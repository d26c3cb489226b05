package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrEthical07/otpauth"
	"github.com/MrEthical07/otpauth/middleware"
)

const maxBodyBytes = 16 << 10

// kindBadRequest reports a body the handlers could not decode.
const kindBadRequest otpauth.ErrorKind = "BadRequest"

// Options tunes transport behavior that the engine does not own.
type Options struct {
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy bool
	// SecureCookies marks session cookies Secure. Enable behind TLS.
	SecureCookies bool
}

type Handler struct {
	engine *otpauth.Engine
	opts   Options
}

func NewHandler(engine *otpauth.Engine, opts Options) *Handler {
	return &Handler{engine: engine, opts: opts}
}

// Routes returns the mux with request metadata middleware applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /otp/issue", h.IssueOTP)
	mux.HandleFunc("POST /otp/verify", h.VerifyOTP)

	mux.HandleFunc("POST /handoff/redeem", h.RedeemHandoff)
	mux.HandleFunc("POST /handoff/exchange", h.ExchangeHandoff)
	mux.HandleFunc("POST /handoff/bridge", h.HandoffBridge)

	mux.HandleFunc("POST /magic-link/redeem", h.RedeemMagicLink)
	mux.HandleFunc("GET /magic-link/redeem", h.FollowMagicLink)

	guard := middleware.Guard(h.engine)
	mux.Handle("GET /session", guard(http.HandlerFunc(h.Session)))
	mux.Handle("GET /session/eligibility", guard(http.HandlerFunc(h.Eligibility)))
	mux.HandleFunc("POST /session/sign-out", h.SignOut)
	mux.HandleFunc("POST /session/destination", h.SetDestination)

	return middleware.RequestContext(h.opts.TrustProxy)(mux)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	ErrorKind otpauth.ErrorKind `json:"errorKind"`
	Reason    string            `json:"reason,omitempty"`
}

func writeErr(w http.ResponseWriter, err error) {
	kind := otpauth.KindOf(err)
	if kind == otpauth.KindRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, statusFor(kind), errorBody{
		ErrorKind: kind,
		Reason:    otpauth.CaptchaReason(err),
	})
}

func writeBadRequest(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, errorBody{ErrorKind: kindBadRequest})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

func statusFor(kind otpauth.ErrorKind) int {
	switch kind {
	case otpauth.KindInvalidEmail,
		otpauth.KindCaptchaFailed,
		otpauth.KindUntrustedOrigin,
		otpauth.KindInvalidDestination:
		return http.StatusBadRequest
	case otpauth.KindIncorrectCode, otpauth.KindUnauthorized:
		return http.StatusUnauthorized
	case otpauth.KindOriginMismatch:
		return http.StatusForbidden
	case otpauth.KindNoCodeFound, otpauth.KindSubjectNotFound:
		return http.StatusNotFound
	case otpauth.KindCodeAlreadyUsed,
		otpauth.KindAlreadyRedeemed,
		otpauth.KindMagicLinkAlreadyUsed,
		otpauth.KindMergeInProgress,
		otpauth.KindMergeConflict:
		return http.StatusConflict
	case otpauth.KindCodeExpired, otpauth.KindExpired, otpauth.KindMagicLinkExpired:
		return http.StatusGone
	case otpauth.KindRateLimited, otpauth.KindTooManyAttempts:
		return http.StatusTooManyRequests
	case otpauth.KindDispatchFailed:
		return http.StatusBadGateway
	case otpauth.KindCaptchaUnavailable, otpauth.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, auth *otpauth.AuthResult) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    auth.AccessToken,
		Path:     "/",
		Expires:  auth.ExpiresAt,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

type sessionBody struct {
	SubjectID   string    `json:"subjectId"`
	AccessToken string    `json:"accessToken"`
	Method      string    `json:"method"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Redirect    string    `json:"redirect,omitempty"`
}

func sessionBodyFor(auth *otpauth.AuthResult) *sessionBody {
	return &sessionBody{
		SubjectID:   auth.SubjectID,
		AccessToken: auth.AccessToken,
		Method:      auth.Method,
		ExpiresAt:   auth.ExpiresAt,
		Redirect:    auth.Redirect,
	}
}
