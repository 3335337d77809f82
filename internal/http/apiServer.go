package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"ptchat/internal/api"
	"ptchat/internal/attachment"
	"ptchat/internal/chat"
	"ptchat/internal/identity"
	"ptchat/internal/notify"
	"ptchat/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

type APIConfig struct {
	Sessions    *identity.Service
	Chat        *chat.Service
	Hub         *ws.Hub
	Attachments *attachment.Pipeline
	Devices     *notify.Devices
	Scheduler   *notify.Scheduler
	Addr        string
}

func NewAPIServer(cfg APIConfig) *APIServer {
	server := ws.NewServer(cfg.Sessions, cfg.Hub)
	apiHandlers := api.New(cfg.Sessions, cfg.Chat, cfg.Devices, cfg.Scheduler)
	auth := apiHandlers.RequireAuth

	mux := http.NewServeMux()

	// Uploaded objects, addressed by content hash
	mux.HandleFunc("GET /files/{key}", NewFileServerHandler(cfg.Attachments))

	mux.HandleFunc("POST /api/logoff", auth(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", auth(apiHandlers.MeHandler))

	// Conversations
	mux.HandleFunc("POST /api/conversations", auth(apiHandlers.StartConversationHandler))
	mux.HandleFunc("GET /api/conversations", auth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", auth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", auth(apiHandlers.SendHandler))
	mux.HandleFunc("POST /api/conversations/{id}/attachments", auth(apiHandlers.AttachmentHandler))
	mux.HandleFunc("POST /api/conversations/{id}/read", auth(apiHandlers.ReadHandler))
	mux.HandleFunc("POST /api/conversations/{id}/archive", auth(apiHandlers.ArchiveHandler))
	mux.HandleFunc("POST /api/conversations/{id}/typing", auth(apiHandlers.TypingHandler))
	mux.HandleFunc("GET /api/unread", auth(apiHandlers.UnreadHandler))

	// Messages
	mux.HandleFunc("POST /api/messages/{conversationId}/{messageId}/delivered", auth(apiHandlers.DeliveredHandler))
	mux.HandleFunc("POST /api/messages/{conversationId}/{messageId}/reactions", auth(apiHandlers.ReactHandler))
	mux.HandleFunc("PATCH /api/messages/{conversationId}/{messageId}", auth(apiHandlers.EditHandler))
	mux.HandleFunc("DELETE /api/messages/{conversationId}/{messageId}", auth(apiHandlers.DeleteHandler))

	// Presence
	mux.HandleFunc("POST /api/presence/heartbeat", auth(apiHandlers.HeartbeatHandler))
	mux.HandleFunc("POST /api/presence/offline", auth(apiHandlers.OfflineHandler))
	mux.HandleFunc("GET /api/presence", auth(apiHandlers.PresenceHandler))

	// Notifications
	mux.HandleFunc("POST /api/devices", auth(apiHandlers.RegisterDeviceHandler))
	mux.HandleFunc("DELETE /api/devices", auth(apiHandlers.UnregisterDeviceHandler))
	mux.HandleFunc("POST /api/reminders", auth(apiHandlers.ReminderHandler))
	mux.HandleFunc("DELETE /api/reminders/{id}", auth(apiHandlers.CancelReminderHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/ws", server.HandleConnections)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
