package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler interface {
	submit(w http.ResponseWriter, r *http.Request)
	status(w http.ResponseWriter, r *http.Request)
	delete(w http.ResponseWriter, r *http.Request)
	republish(w http.ResponseWriter, r *http.Request)
	health(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h Handler
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (rt *router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LogMiddleware)
	r.Use(WithRecover)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", rt.h.submit)
		r.Get("/{id}", rt.h.status)
		r.Get("/{id}/status", rt.h.status)
		r.Delete("/{id}", rt.h.delete)
		r.Post("/{id}/republish", rt.h.republish)
	})

	r.Get("/healthz", rt.h.health)

	return r
}
