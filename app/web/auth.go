package web

import (
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

// authUser is the only user name accepted by basic auth
const authUser = "actionsrv"

// authMiddleware checks basic auth credentials against the bcrypt password hash
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok && username == authUser {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
			log.Printf("[WARN] failed login attempt from %s", r.RemoteAddr)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="actionsrv"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
