package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/sagas", handler.StartSaga)
	r.Get("/sagas/{id}", handler.GetSaga)
	r.Post("/sagas/{id}/cancel", handler.CancelSaga)
	r.Post("/replies", handler.SubmitReply)
	return r
}
