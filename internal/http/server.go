package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SessionCounter reports live sessions for the health probe.
type SessionCounter interface {
	SessionCount() int
}

// ConnHandler owns an upgraded websocket connection for its lifetime.
type ConnHandler interface {
	ServeConn(ws *websocket.Conn)
}

type Server struct {
	srv      *http.Server
	sessions SessionCounter
	relay    ConnHandler
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewServer(addr string, sessions SessionCounter, relay ConnHandler, logger *zap.Logger) *Server {
	s := &Server{
		sessions: sessions,
		relay:    relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Field clients connect from app webviews and native shells with
			// arbitrary Origin headers; session codes gate access instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"ok":        true,
		"sessions":  s.sessions.SessionCount(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.relay.ServeConn(ws)
}
