package server

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// BasicAuth protects the metrics routes when both fields are set.
// PasswordHash is a bcrypt hash; probes stay open.
type BasicAuth struct {
	Username     string
	PasswordHash string
}

func (a BasicAuth) enabled() bool {
	return a.Username != "" && a.PasswordHash != ""
}

func (a BasicAuth) authorize(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(pass)) == nil
	return userOK && passOK
}

func (a BasicAuth) wrap(h http.Handler) http.Handler {
	if !a.enabled() {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authorize(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="pihole-exporter", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}
