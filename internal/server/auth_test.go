package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicAuth(t *testing.T) {
	user, pass := "admin", "secret"
	auth := BasicAuth("dB meter", func() (string, string) { return user, pass })
	handler := auth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		want       int
	}{
		{"missing", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", "secret", true, http.StatusUnauthorized},
		{"valid", "admin", "secret", true, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/levels", http.NoBody)
			if tt.setAuth {
				r.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			handler(w, r)
			require.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				require.Contains(t, w.Header().Get("WWW-Authenticate"), `realm="dB meter"`)
			}
		})
	}
}

func TestBasicAuthReadsCredentialsPerRequest(t *testing.T) {
	pass := "first"
	auth := BasicAuth("dB meter", func() (string, string) { return "admin", pass })
	handler := auth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.SetBasicAuth("admin", "first")
	w := httptest.NewRecorder()
	handler(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	pass = "second"
	w = httptest.NewRecorder()
	handler(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
