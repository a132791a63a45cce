package server

import (
	"crypto/subtle"
	"net/http"
)

// Credentials returns the currently configured username and password.
type Credentials func() (username, password string)

// BasicAuth returns middleware that requires HTTP basic auth matching creds.
// Credentials are read on every request so a reloaded config applies at once.
func BasicAuth(realm string, creds Credentials) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			wantUser, wantPass := creds()
			userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(wantUser)) == 1
			passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(wantPass)) == 1
			if !ok || !userMatch || !passMatch {
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
}
