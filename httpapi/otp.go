package httpapi

import (
	"net/http"
	"time"

	"github.com/MrEthical07/otpauth"
)

type issueRequest struct {
	Identity   string `json:"identity"`
	HumanToken string `json:"humanToken"`
	Flow       string `json:"flow"`
}

type issueResponse struct {
	Identity   string    `json:"identity"`
	Flow       string    `json:"flow"`
	ExpiresAt  time.Time `json:"expiresAt"`
	TTLSeconds int       `json:"ttlSeconds"`
}

// POST /otp/issue
func (h *Handler) IssueOTP(w http.ResponseWriter, r *http.Request) {
	var in issueRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadRequest(w)
		return
	}
	flow, err := otpauth.ParseFlow(in.Flow)
	if err != nil {
		writeBadRequest(w)
		return
	}

	res, err := h.engine.IssueOTP(r.Context(), otpauth.IssueRequest{
		Identity:   in.Identity,
		HumanToken: in.HumanToken,
		Flow:       flow,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, issueResponse{
		Identity:   res.Identity,
		Flow:       res.Flow.String(),
		ExpiresAt:  res.ExpiresAt,
		TTLSeconds: res.TTLSeconds,
	})
}

type verifyRequest struct {
	Identity          string `json:"identity"`
	Code              string `json:"code"`
	Origin            string `json:"origin"`
	DestinationOrigin string `json:"destinationOrigin"`
	PreferMagicLink   bool   `json:"preferMagicLink"`
}

type magicLinkBody struct {
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	Delivered bool      `json:"delivered"`
}

type handoffBody struct {
	Token     string                 `json:"token"`
	Origin    string                 `json:"origin"`
	ExpiresAt time.Time              `json:"expiresAt"`
	Message   otpauth.HandoffMessage `json:"message"`
}

type mergeBody struct {
	Merged  []string `json:"merged"`
	Skipped []string `json:"skipped"`
	Moved   int      `json:"moved"`
}

type verifyResponse struct {
	SubjectID      string            `json:"subjectId"`
	Identity       string            `json:"identity"`
	AccountCreated bool              `json:"accountCreated"`
	Session        *sessionBody      `json:"session,omitempty"`
	MagicLink      *magicLinkBody    `json:"magicLink,omitempty"`
	Handoff        *handoffBody      `json:"handoff,omitempty"`
	Merge          *mergeBody        `json:"merge,omitempty"`
	MergeError     otpauth.ErrorKind `json:"mergeError,omitempty"`
}

// POST /otp/verify
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var in verifyRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadRequest(w)
		return
	}
	origin, err := otpauth.ParseOrigin(in.Origin)
	if err != nil {
		writeBadRequest(w)
		return
	}

	res, err := h.engine.VerifyOTP(r.Context(), otpauth.VerifyRequest{
		Identity:          in.Identity,
		Code:              in.Code,
		Origin:            origin,
		DestinationOrigin: in.DestinationOrigin,
		PreferMagicLink:   in.PreferMagicLink,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	out := verifyResponse{
		SubjectID:      res.SubjectID,
		Identity:       res.Identity,
		AccountCreated: res.AccountCreated,
		MergeError:     otpauth.KindOf(res.MergeErr),
	}
	switch {
	case res.Session != nil:
		h.setSessionCookie(w, res.Session)
		out.Session = sessionBodyFor(res.Session)
	case res.MagicLink != nil:
		out.MagicLink = &magicLinkBody{
			URL:       res.MagicLink.URL,
			ExpiresAt: res.MagicLink.ExpiresAt,
			Delivered: res.MagicLink.Delivered,
		}
	case res.Handoff != nil:
		out.Handoff = &handoffBody{
			Token:     res.Handoff.Token,
			Origin:    res.Handoff.Origin,
			ExpiresAt: res.Handoff.ExpiresAt,
			Message:   res.Handoff.Message,
		}
	}
	if res.Merge != nil {
		out.Merge = &mergeBody{
			Merged:  res.Merge.Merged,
			Skipped: res.Merge.Skipped,
			Moved:   res.Merge.Moved,
		}
	}

	writeJSON(w, http.StatusOK, out)
}
