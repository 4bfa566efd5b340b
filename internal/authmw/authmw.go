// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const realm = `Bearer realm="opsflow"`

// BearerToken returns middleware that accepts a request when its
// Authorization header carries a Bearer token equal to one of tokens. Empty
// tokens are ignored, so rotation can run with the old and new token side by
// side. Comparison is constant time per candidate.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, t := range tokens {
		if t != "" {
			expected = append(expected, []byte(t))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len("Bearer "):])
			if !matches(got, expected) {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matches checks every candidate so timing does not reveal which one hit.
func matches(got []byte, expected [][]byte) bool {
	ok := 0
	for _, e := range expected {
		ok |= subtle.ConstantTimeCompare(got, e)
	}
	return ok == 1 && len(got) > 0
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", realm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
