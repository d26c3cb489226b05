package httpapi

import (
	"net/http"
	"strings"

	"github.com/MrEthical07/otpauth"
	"github.com/MrEthical07/otpauth/middleware"
)

type tokenRequest struct {
	Token string `json:"token"`
}

// POST /magic-link/redeem
func (h *Handler) RedeemMagicLink(w http.ResponseWriter, r *http.Request) {
	var in tokenRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadRequest(w)
		return
	}

	auth, err := h.engine.RedeemMagicLink(r.Context(), in.Token)
	if err != nil {
		writeErr(w, err)
		return
	}

	h.setSessionCookie(w, auth)
	writeJSON(w, http.StatusOK, sessionBodyFor(auth))
}

// GET /magic-link/redeem?token=... is the target of emailed links. It sets the
// session cookie and redirects to the pre-auth destination or "/".
func (h *Handler) FollowMagicLink(w http.ResponseWriter, r *http.Request) {
	auth, err := h.engine.RedeemMagicLink(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeErr(w, err)
		return
	}

	h.setSessionCookie(w, auth)
	target := auth.Redirect
	if target == "" {
		target = "/"
	}
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// GET /session
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	info, _ := middleware.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"subjectId": info.SubjectID,
		"identity":  info.Identity,
		"method":    info.Method,
		"createdAt": info.CreatedAt,
		"expiresAt": info.ExpiresAt,
	})
}

// GET /session/eligibility
func (h *Handler) Eligibility(w http.ResponseWriter, r *http.Request) {
	info, _ := middleware.SessionFromContext(r.Context())
	eligible, err := h.engine.IsEligible(r.Context(), info.SubjectID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eligible": eligible})
}

// POST /session/sign-out clears the cookie even when revocation fails.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.AccessToken(r)
	h.clearSessionCookie(w)
	if !ok {
		writeErr(w, otpauth.ErrUnauthorized)
		return
	}
	if err := h.engine.SignOut(r.Context(), token); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type destinationRequest struct {
	Destination string `json:"destination"`
}

// POST /session/destination stores where the guest was heading. The guest
// marker comes from the guest cookie.
func (h *Handler) SetDestination(w http.ResponseWriter, r *http.Request) {
	var in destinationRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadRequest(w)
		return
	}
	marker := ""
	if c, err := r.Cookie(middleware.GuestCookieName); err == nil {
		marker = strings.TrimSpace(c.Value)
	}

	if err := h.engine.SetPreAuthDestination(r.Context(), marker, in.Destination); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
