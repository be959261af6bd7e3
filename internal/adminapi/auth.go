package adminapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware validates an HS256 bearer JWT on every admin API
// request when secret is non-empty. With no secret configured the
// middleware is a no-op passthrough — the admin API's auth posture is an
// operator choice, not a spec §6 mandate, but when enabled it follows
// the same bearer-token convention the fleet's wider XMIDT lineage uses
// (see DESIGN.md).
func authMiddleware(secret []byte) func(http.Handler) http.Handler {
	if len(secret) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			tokenStr := strings.TrimPrefix(header, "Bearer ")
			if tokenStr == "" || tokenStr == header {
				writeJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "missing bearer token"})
				return
			}
			_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("adminapi: unexpected signing method %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "invalid token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
