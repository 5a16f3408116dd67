package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gaspardpetit/imagerelay/internal/httperr"
)

// BearerSecretMiddleware requires "Authorization: Bearer <secret>". An empty
// secret disables the check.
func BearerSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			tok := ExtractBearer(r)
			if tok == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(secret)) != 1 {
				httperr.Write(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearer returns the bearer token of r, or "" when absent.
func ExtractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
