package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atinyakov/hexlock/internal/middleware"
	"github.com/atinyakov/hexlock/internal/token"
)

// NewRouter constructs the HTTP handler of the vault store.
//
// Routes:
//
//	GET    /idp/authorize                        → idpHandler.Authorize
//	POST   /idp/token                            → idpHandler.Token
//	GET    /api/accounts/{account}/entries       → entries.List
//	POST   /api/accounts/{account}/entries       → entries.Add
//	PUT    /api/accounts/{account}/entries       → entries.Edit
//	DELETE /api/accounts/{account}/entries       → entries.Delete
//	PUT    /api/accounts/{account}/entries/{id}  → entries.EditByID
//	DELETE /api/accounts/{account}/entries/{id}  → entries.DeleteByID
//
// Every request is logged. The /api group only accepts JSON bodies and
// requires a delegation token accepted by verifier. idpHandler may be nil
// when the store relies on an external provider.
func NewRouter(
	entries *EntriesHandler,
	idpHandler *IdPHandler,
	verifier *token.Verifier,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.WithRequestLogging(logger))
	r.Use(chiMiddleware.Recoverer)

	if idpHandler != nil {
		r.Route("/idp", func(r chi.Router) {
			r.Get("/authorize", idpHandler.Authorize)
			r.Post("/token", idpHandler.Token)
		})
	}

	r.Route("/api", func(r chi.Router) {
		// Only allow requests with Content-Type: application/json
		r.Use(chiMiddleware.AllowContentType("application/json"))
		r.Use(middleware.TokenAuth(verifier))

		r.Route("/accounts/{account}/entries", func(r chi.Router) {
			r.Get("/", entries.List)
			r.Post("/", entries.Add)
			r.Put("/", entries.Edit)
			r.Delete("/", entries.Delete)
			r.Put("/{id}", entries.EditByID)
			r.Delete("/{id}", entries.DeleteByID)
		})
	})

	return r
}
