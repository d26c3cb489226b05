package notify

import (
	"time"

	"github.com/MrEthical07/otpauth"
)

// Envelope is the JSON body published to brokers for an out-of-process mailer.
type Envelope struct {
	Type      string    `json:"type"`
	Identity  string    `json:"identity"`
	Code      string    `json:"code,omitempty"`
	Link      string    `json:"link,omitempty"`
	Flow      string    `json:"flow"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func envelopeFor(d otpauth.Delivery) Envelope {
	return Envelope{
		Type:      d.Kind.String(),
		Identity:  d.Identity,
		Code:      d.Code,
		Link:      d.Link,
		Flow:      d.Flow.String(),
		ExpiresAt: d.ExpiresAt.UTC(),
	}
}
