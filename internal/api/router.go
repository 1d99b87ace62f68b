package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func NewRouter(apiHandler *APIHandler, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Get("/api/health", apiHandler.HealthHandler)

	// Conversation routes
	r.Get("/api/conversations", apiHandler.ListConversationsHandler)
	r.Post("/api/conversations", apiHandler.CreateConversationHandler)
	r.Get("/api/conversations/{conversationID}", apiHandler.GetConversationHandler)
	r.Put("/api/conversations/{conversationID}", apiHandler.UpdateConversationHandler)
	r.Delete("/api/conversations/{conversationID}", apiHandler.DeleteConversationHandler)

	// Message routes
	r.Get("/api/conversations/{conversationID}/messages", apiHandler.ListMessagesHandler)
	r.Post("/api/conversations/{conversationID}/messages", apiHandler.PostMessageHandler)
	r.Put("/api/conversations/{conversationID}/messages", apiHandler.ReplaceMessagesHandler)

	r.Post("/api/chat", apiHandler.ChatHandler)

	// Everything else is the front end.
	r.NotFound(apiHandler.FallbackHandler)
	r.MethodNotAllowed(apiHandler.FallbackHandler)

	return r
}
