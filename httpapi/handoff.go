package httpapi

import (
	"net/http"
	"strings"

	"github.com/MrEthical07/otpauth"
)

type handoffRequest struct {
	Token  string `json:"token"`
	Origin string `json:"origin"`
}

// presentingOrigin prefers the browser-set Origin header over the body.
func presentingOrigin(r *http.Request, fromBody string) string {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		return origin
	}
	return fromBody
}

// POST /handoff/redeem
func (h *Handler) RedeemHandoff(w http.ResponseWriter, r *http.Request) {
	var in handoffRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadRequest(w)
		return
	}

	res, err := h.engine.RedeemHandoff(r.Context(), in.Token, presentingOrigin(r, in.Origin))
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subjectId": res.SubjectID,
		"identity":  res.Identity,
		"origin":    res.Origin,
	})
}

// POST /handoff/exchange redeems the token and opens a session for the
// destination. No cookie is set: the destination is another site.
func (h *Handler) ExchangeHandoff(w http.ResponseWriter, r *http.Request) {
	var in handoffRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadRequest(w)
		return
	}

	auth, err := h.engine.ExchangeHandoff(r.Context(), in.Token, presentingOrigin(r, in.Origin))
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionBodyFor(auth))
}

// POST /handoff/bridge verifies an embedded form submission and answers with
// the page that posts the handoff message to the destination window.
func (h *Handler) HandoffBridge(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeBadRequest(w)
		return
	}

	res, err := h.engine.VerifyOTP(r.Context(), otpauth.VerifyRequest{
		Identity:          r.PostForm.Get("identity"),
		Code:              r.PostForm.Get("code"),
		Origin:            otpauth.OriginEmbedded,
		DestinationOrigin: r.PostForm.Get("destinationOrigin"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", "frame-ancestors "+res.Handoff.Origin)
	if err := otpauth.RenderHandoffBridge(w, res.Handoff); err != nil {
		writeErr(w, err)
	}
}
