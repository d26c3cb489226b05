package middleware

import (
	"net/http"

	"github.com/MrEthical07/otpauth"
)

// RequireEligible must be mounted behind Guard. Subjects below the usage
// threshold get 403.
func RequireEligible(engine *otpauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := SessionFromContext(r.Context())
			if !ok || engine == nil {
				writeKind(w, http.StatusUnauthorized, otpauth.KindUnauthorized)
				return
			}

			eligible, err := engine.IsEligible(r.Context(), info.SubjectID)
			if err != nil {
				switch otpauth.KindOf(err) {
				case otpauth.KindSubjectNotFound:
					writeKind(w, http.StatusForbidden, otpauth.KindSubjectNotFound)
				default:
					writeKind(w, http.StatusServiceUnavailable, otpauth.KindUnavailable)
				}
				return
			}
			if !eligible {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"eligible":false}` + "\n"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
