package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/questions"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/relay"
)

func SetupRoutes(rl *relay.Relay, src questions.Source, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Post("/sessions", CreateSession(rl))
	r.Get("/sessions/{code}/qr", SessionQR)
	r.Get("/sheets/{id}", GetSheet(src))
	r.Get("/healthz", Healthz)
	r.Get("/ws", relay.Handler(rl, log))
	return r
}
