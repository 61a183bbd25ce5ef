package middleware

import (
	"net/http"

	"github.com/Strob0t/mesync/internal/domain/actor"
)

const headerActorID = "X-Actor-ID"

// Actor stores the caller in the request context. Requests carrying an
// X-Actor-ID header act as that user; everything else acts as the system.
// Status history and sync log rows attribute changes to this actor.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := actor.System()
		if id := r.Header.Get(headerActorID); id != "" {
			a = actor.User(id)
		}
		next.ServeHTTP(w, r.WithContext(actor.WithContext(r.Context(), a)))
	})
}
