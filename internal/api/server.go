// Package api serves the read-only status dashboard: REST endpoints over
// the published portfolio snapshot plus a WebSocket stream that pushes the
// snapshot to connected clients as refreshes complete. Strictly an observer
// — nothing here can mutate engine state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/pkg/types"
)

// SnapshotProvider is the engine surface the dashboard reads from.
type SnapshotProvider interface {
	Snapshot() *types.PortfolioSnapshot
	ActivePositions() []types.Position
	RedeemablePositions() []types.Position
	PositionSummary() types.Summary
	RefreshMetrics() types.RefreshMetrics
	RecoveryStatus() types.RecoveryStatus
	SelfHealStatus() types.SelfHealStatus
}

// How often the WS stream pushes the current snapshot to clients.
const broadcastInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server runs the HTTP/WebSocket dashboard.
type Server struct {
	cfg      config.DashboardConfig
	provider SnapshotProvider
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the dashboard server.
func NewServer(cfg config.DashboardConfig, provider SnapshotProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	s := &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/portfolio", s.handlePortfolio)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub, the broadcast loop, and the HTTP listener. Blocks
// until the server stops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.broadcastLoop(ctx)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// broadcastLoop periodically pushes the published snapshot to WS clients.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	var lastCycle uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.provider.Snapshot()
			if snap == nil || snap.CycleID == lastCycle {
				continue
			}
			lastCycle = snap.CycleID
			s.hub.BroadcastSnapshot(snap)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot()
	resp := map[string]interface{}{
		"status":    "ok",
		"recovery":  s.provider.RecoveryStatus(),
		"self_heal": s.provider.SelfHealStatus(),
	}
	if snap != nil {
		resp["cycle"] = snap.CycleID
		resp["stale"] = snap.Stale
		resp["fetched_at"] = snap.FetchedAt
	} else {
		resp["status"] = "no_snapshot"
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot()
	if snap == nil {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"active":     s.provider.ActivePositions(),
		"redeemable": s.provider.RedeemablePositions(),
		"summary":    s.provider.PositionSummary(),
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.provider.RefreshMetrics())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn)
	s.hub.register <- client
	go client.writePump()
	go client.readPump()

	// Seed the new client with the current snapshot.
	if snap := s.provider.Snapshot(); snap != nil {
		data, err := json.Marshal(StreamEvent{Type: "snapshot", Timestamp: time.Now(), Data: snap})
		if err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
