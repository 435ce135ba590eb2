package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/shaunagostinho/kline-dash/internal/ecu"
	"github.com/shaunagostinho/kline-dash/internal/logger"
)

// Server coordinates ECU polling and broadcasts data to WebSocket clients.
type Server struct {
	cfg     *Config
	ecuProv ecu.Provider
	webFS   fs.FS
	logger  *logger.Logger
	log     *slog.Logger

	clients *xsync.MapOf[*wsClient, struct{}]

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed when the reader exits
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	ECU       *ecu.DataFrame `json:"ecu,omitempty"`
	Stats     *ecu.Stats     `json:"stats,omitempty"`
	Config    *DisplayConfig `json:"config,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Connected bool           `json:"connected"`
	Stamp     int64          `json:"stamp"` // Unix ms
}

// New creates a new Server. A nil webFS serves no static files.
func New(cfg *Config, ecuProv ecu.Provider, webFS fs.FS, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ecuCfg := cfg.ECUSnapshot()
	channels := make([]string, 0, len(ecuCfg.Channels))
	for _, ch := range ecuCfg.Channels {
		channels = append(channels, ch.Name)
	}

	return &Server{
		cfg:     cfg,
		ecuProv: ecuProv,
		webFS:   webFS,
		log:     log.With("component", "server"),
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
			Channels:   channels,
		}, log),
		clients: xsync.NewMapOf[*wsClient, struct{}](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes served by Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	// Bus statistics
	mux.HandleFunc("/api/stats", s.handleStats)

	return mux
}

// Run starts the HTTP server and data polling loop. It returns nil once ctx
// is cancelled and the server has shut down.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", "addr", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	s.clients.Store(client, struct{}{})
	s.log.Info("ws client connected", "clients", s.clients.Size())

	// Send initial config so the page can lay out its gauges
	display := s.cfg.DisplaySnapshot()
	cfgFrame := s.statusFrame()
	cfgFrame.Config = &display
	if data, err := json.Marshal(cfgFrame); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for {
			select {
			case <-client.done:
				return
			case msg := <-client.send:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clients.Delete(client)
			close(client.done)
			s.log.Info("ws client disconnected", "clients", s.clients.Size())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Error("config save failed", "err", err)
		}
		// Broadcast updated config
		display := s.cfg.DisplaySnapshot()
		frame := s.statusFrame()
		frame.Config = &display
		s.broadcast(frame)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	frame := s.statusFrame()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frame)
}

// statusFrame carries provider state without channel data.
func (s *Server) statusFrame() Frame {
	f := Frame{Stamp: time.Now().UnixMilli()}
	if s.ecuProv != nil {
		st := s.ecuProv.Stats()
		f.Stats = &st
		f.Provider = s.ecuProv.Name()
		f.Connected = s.ecuProv.IsConnected()
	}
	return f
}

// pollLoop requests data from the ECU at the configured rate and
// broadcasts the latest frame to clients at the same rate.
func (s *Server) pollLoop(ctx context.Context) {
	ecuHz := s.cfg.ECUSnapshot().PollHz
	if ecuHz <= 0 {
		ecuHz = 20
	}
	ecuTicker := time.NewTicker(time.Second / time.Duration(ecuHz))
	broadcastTicker := time.NewTicker(time.Second / time.Duration(ecuHz)) // Match ECU rate
	defer ecuTicker.Stop()
	defer broadcastTicker.Stop()

	var (
		lastECU *ecu.DataFrame
		ecuMu   sync.Mutex
	)

	// ECU polling goroutine, decoupled so a slow bus never stalls clients
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ecuTicker.C:
				if s.ecuProv == nil || !s.ecuProv.IsConnected() {
					continue
				}
				data, err := s.ecuProv.RequestData()
				if err != nil {
					s.log.Debug("request failed", "err", err)
					continue
				}
				ecuMu.Lock()
				lastECU = data
				ecuMu.Unlock()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-broadcastTicker.C:
			ecuMu.Lock()
			ecuSnap := lastECU
			lastECU = nil
			ecuMu.Unlock()

			frame := s.statusFrame()
			frame.ECU = ecuSnap
			s.broadcast(frame)

			if ecuSnap != nil {
				s.logger.Record(ecuSnap, *frame.Stats)
			}
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clients.Range(func(client *wsClient, _ struct{}) bool {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
		return true
	})
}
