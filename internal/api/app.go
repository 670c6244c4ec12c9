package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/kintree/kintree/internal/auth"
	"github.com/kintree/kintree/internal/config"
	"github.com/kintree/kintree/internal/database"
	"github.com/kintree/kintree/internal/server"
	"github.com/kintree/kintree/internal/stats"
	"github.com/kintree/kintree/internal/undo"
)

type KintreeApp struct {
	log            *log.Logger
	db             database.KintreeRepository
	mux            *http.Server
	cs             *server.CollabServer
	undo           *undo.Engine
	tokens         *auth.Manager
	stats          stats.StatsProvider
	allowedOrigins []string
}

func NewKintreeApp(mux *http.ServeMux, logger *log.Logger, cs *server.CollabServer, db database.KintreeRepository,
	undoEngine *undo.Engine, tokens *auth.Manager, sp stats.StatsProvider, cfg *config.Config) *KintreeApp {
	s := &KintreeApp{
		log:            logger,
		db:             db,
		cs:             cs,
		undo:           undoEngine,
		tokens:         tokens,
		stats:          sp,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("POST /api/trees", s.authMiddleware(s.createTree))
	mux.Handle("GET /api/trees", s.authMiddleware(s.getTrees))
	mux.Handle("GET /api/trees/members", s.authMiddleware(s.getMembers))
	mux.Handle("POST /api/trees/members", s.authMiddleware(s.addMember))
	mux.Handle("PUT /api/trees/members", s.authMiddleware(s.updateMemberRole))
	mux.Handle("GET /api/persons", s.authMiddleware(s.getPersons))
	mux.Handle("POST /api/persons", s.authMiddleware(s.createPerson))
	mux.Handle("PUT /api/persons", s.authMiddleware(s.updatePerson))
	mux.Handle("DELETE /api/persons", s.authMiddleware(s.deletePerson))
	mux.Handle("POST /api/persons/restore", s.authMiddleware(s.restorePerson))
	mux.Handle("POST /api/relations", s.authMiddleware(s.addRelation))
	mux.Handle("DELETE /api/relations", s.authMiddleware(s.deleteRelation))
	mux.Handle("GET /api/history", s.authMiddleware(s.getHistory))
	mux.Handle("GET /api/history/undo-preview", s.authMiddleware(s.undoPreview))
	mux.Handle("POST /api/history/undo", s.authMiddleware(s.undoCommit))
	// the websocket handshake authenticates in-band with its first frame
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *KintreeApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *KintreeApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
