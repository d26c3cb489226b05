// Package notify delivers one-time codes and magic links to their recipients.
//
// Every notifier implements otpauth.Notifier. Errors that are worth retrying
// are wrapped with otpauth.ErrDispatchTemporary; the engine decides whether to
// retry after re-confirming that the challenge is still the active one.
package notify
