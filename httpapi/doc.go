// Package httpapi serves the otpauth engine over JSON/HTTP.
//
// Every failure body is {"errorKind": "...", "reason": "..."} where
// errorKind is otpauth.KindOf of the engine error and reason is only set for
// captcha rejections. Sessions are returned in the body and, on normal
// origins, as an HttpOnly cookie named middleware.SessionCookieName.
package httpapi
