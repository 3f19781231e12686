// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/metrics"
	"github.com/relabs-tech/transfer_arm/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard is served from the same box, any origin on the LAN
	},
}

const (
	clientBuffer   = 64
	writeTimeout   = 5 * time.Second
	commandTimeout = 5 * time.Second
)

// logEntryMessage is a routed log record as the dashboard expects it.
type logEntryMessage struct {
	Type string `json:"type"`
	telemetry.Entry
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// closed is guarded by Dashboard.mu
	closed bool
}

// shut closes the send queue; the caller holds the write lock.
func (c *wsClient) shut() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Dashboard serves the websocket control channel. It pushes status, events
// and log records to every connected client and runs their commands through
// the dispatcher. It is also the log sink while at least one client is
// connected.
type Dashboard struct {
	arm        Arm
	dispatcher *Dispatcher
	log        *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	count   atomic.Int32
}

func NewDashboard(a Arm, d *Dispatcher, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dashboard{
		arm:        a,
		dispatcher: d,
		log:        logger.With("component", "dashboard"),
		clients:    make(map[*wsClient]struct{}),
	}
}

// Available reports whether anyone is watching.
func (h *Dashboard) Available() bool { return h.count.Load() > 0 }

// Publish forwards a log record to every client. It must not log.
func (h *Dashboard) Publish(e telemetry.Entry) {
	h.broadcast(logEntryMessage{Type: "log", Entry: e})
}

// Clients is the number of connected websocket clients.
func (h *Dashboard) Clients() int { return int(h.count.Load()) }

// Run broadcasts controller events as they happen and a status message
// every interval until ctx is done.
func (h *Dashboard) Run(ctx context.Context, interval time.Duration) error {
	events, cancel := h.arm.Subscribe(256)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			h.broadcast(e)
			if e.Type == arm.EventStateChange {
				h.broadcast(statusMessage(h.arm.Snapshot()))
			}
		case <-ticker.C:
			if h.Available() {
				h.broadcast(statusMessage(h.arm.Snapshot()))
			}
		}
	}
}

// ServeWS upgrades the request and serves one client until it disconnects.
func (h *Dashboard) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}

	// current config and status first, like a fresh page load
	h.sendTo(c, configMessage(h.arm.Settings()))
	h.sendTo(c, statusMessage(h.arm.Snapshot()))

	h.add(c)
	h.log.Info("dashboard client connected", "remote", r.RemoteAddr, "clients", h.Clients())

	go h.writeLoop(c)
	h.readLoop(c)

	h.remove(c)
	h.log.Info("dashboard client disconnected", "remote", r.RemoteAddr, "clients", h.Clients())
}

func (h *Dashboard) readLoop(c *wsClient) {
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		reply, err := h.dispatcher.Handle(ctx, cmd)
		cancel()
		if err != nil {
			h.sendTo(c, logMessage("error", "%s", rejection(err)))
			continue
		}
		// config changes concern every open dashboard
		if _, ok := reply.(ConfigMessage); ok {
			h.broadcast(reply)
			continue
		}
		h.sendTo(c, reply)
	}
}

func (h *Dashboard) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// the read loop notices the broken connection and unregisters
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}

func (h *Dashboard) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.DashboardClients.Set(float64(h.count.Add(1)))
}

func (h *Dashboard) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.DashboardClients.Set(float64(h.count.Add(-1)))
	}
	c.shut()
}

func (h *Dashboard) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.shut()
	}
	h.count.Store(0)
	metrics.DashboardClients.Set(0)
}

func (h *Dashboard) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// client too slow, drop the message
		}
	}
}

func (h *Dashboard) sendTo(c *wsClient, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode websocket message", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// rejection phrases a command error for the operator.
func rejection(err error) string {
	switch {
	case errors.Is(err, arm.ErrBusy):
		return "Command ignored - " + err.Error()
	case errors.Is(err, arm.ErrNotHomed):
		return "Command rejected - axes not homed, run home first"
	default:
		return "Command failed: " + err.Error()
	}
}
