// Package web serves a read-only live status dashboard over HTTP and
// WebSocket: JSON telemetry snapshots, flag state, and solar position,
// broadcast to any connected client on a fixed interval. Grounded on
// scheduler/server.go's WebServer (gorilla/websocket upgrader, sync.Map
// client registry, broadcast channel, periodic broadcaster goroutine) and
// sun/example/main.go's sixdouglas/suncalc usage.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sixdouglas/suncalc"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/snapshot"
)

// StatusSource is the read-only view the dashboard pulls from; it never
// mutates telemetry, flags, or configuration.
type StatusSource struct {
	Snapshot *snapshot.TelemetrySnapshot
	Flags    *flags.Store
	Cfg      *config.Config
}

// Dashboard is a read-only live status server. Unlike SerialBus and the
// control loops it never submits writes — it only reads snapshot/flag
// state and reports it.
type Dashboard struct {
	source    StatusSource
	cfg       atomic.Pointer[config.Config]
	logger    *log.Logger
	server    *http.Server
	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}
	startTime time.Time
}

// statusPayload is the JSON document pushed to every connected client.
type statusPayload struct {
	Type      string         `json:"type"`
	Timestamp string          `json:"timestamp"`
	Uptime    string          `json:"uptime"`
	Registers map[int]int     `json:"registers"`
	Metrics   snapshot.Metrics `json:"metrics"`
	Flags     flagView         `json:"flags"`
	Sun       sunView          `json:"sun"`
}

type flagView struct {
	AutoconsumoEnabled bool `json:"autoconsumo_enabled"`
	ServiceActive      bool `json:"service_active"`
	MacchinaAllarme    bool `json:"macchina_allarme"`
	DebitoEnergetico   bool `json:"debito_energetico"`
	SharingEnabled     bool `json:"sharing_enabled"`
}

type sunView struct {
	SolarAngleDeg float64 `json:"solar_angle_deg"`
	Sunrise       string  `json:"sunrise"`
	Sunset        string  `json:"sunset"`
}

// New builds a dashboard bound to port. Returns nil if port is 0, matching
// the teacher's NewWebServer's "disabled when port<=0" convention.
func New(source StatusSource, port int, logger *log.Logger) *Dashboard {
	if port <= 0 {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	d := &Dashboard{
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		startTime: time.Now(),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	d.cfg.Store(source.Cfg)

	mux.HandleFunc("/api/status", d.statusHandler)
	mux.HandleFunc("/api/ws", d.wsHandler)

	return d
}

// Reload swaps in a freshly hot-reloaded configuration. broadcastLoop and
// buildPayload run on their own goroutine, separate from
// gridsched.Scheduler's dispatch loop that calls Reload, so the config
// pointer must be published through an atomic store rather than a plain
// field assignment.
func (d *Dashboard) Reload(cfg *config.Config) {
	if d == nil {
		return
	}
	d.cfg.Store(cfg)
}

// Start launches the broadcaster goroutines and the HTTP listener in the
// background; it never blocks.
func (d *Dashboard) Start() {
	if d == nil {
		return
	}
	go d.handleBroadcasts()
	go d.broadcastLoop()
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Printf("[DASHBOARD] server error: %v", err)
		}
	}()
}

// Stop closes all client connections and shuts the HTTP server down.
func (d *Dashboard) Stop(ctx context.Context) error {
	if d == nil {
		return nil
	}
	close(d.done)
	d.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return d.server.Shutdown(ctx)
}

func (d *Dashboard) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.buildPayload()); err != nil {
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

func (d *Dashboard) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Printf("[DASHBOARD] websocket upgrade error: %v", err)
		return
	}
	d.clients.Store(conn, true)

	if data, err := json.Marshal(d.buildPayload()); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	defer func() {
		d.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (d *Dashboard) handleBroadcasts() {
	for {
		select {
		case message := <-d.broadcast:
			d.clients.Range(func(key, _ any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					d.clients.Delete(conn)
				}
				return true
			})
		case <-d.done:
			return
		}
	}
}

func (d *Dashboard) broadcastLoop() {
	interval := d.cfg.Load().DashboardBroadcastInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hasClients := false
			d.clients.Range(func(_, _ any) bool { hasClients = true; return false })
			if !hasClients {
				continue
			}
			data, err := json.Marshal(d.buildPayload())
			if err != nil {
				d.logger.Printf("[DASHBOARD] failed to marshal status: %v", err)
				continue
			}
			d.broadcast <- data
		case <-d.done:
			return
		}
	}
}

func (d *Dashboard) buildPayload() statusPayload {
	registers, metrics := d.source.Snapshot.Clone()
	now := time.Now()
	cfg := d.cfg.Load()

	times := suncalc.GetTimes(now, cfg.Latitude, cfg.Longitude)
	pos := suncalc.GetPosition(now, cfg.Latitude, cfg.Longitude)

	return statusPayload{
		Type:      "status_update",
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    formatUptime(time.Since(d.startTime)),
		Registers: registers,
		Metrics:   metrics,
		Flags: flagView{
			AutoconsumoEnabled: d.source.Flags.AutoconsumoEnabled(),
			ServiceActive:      d.source.Flags.ServiceActive(),
			MacchinaAllarme:    d.source.Flags.MacchinaAllarme(),
			DebitoEnergetico:   d.source.Flags.DebitoEnergetico(),
			SharingEnabled:     d.source.Flags.SharingEnabled(),
		},
		Sun: sunView{
			SolarAngleDeg: pos.Altitude * 180 / math.Pi,
			Sunrise:       times["sunrise"].Value.Format(time.RFC3339),
			Sunset:        times["sunset"].Value.Format(time.RFC3339),
		},
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
