package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/sensorledger/reading"
)

const (
	streamWriteWait  = 10 * time.Second
	streamReadLimit  = 512
	streamCloseGrace = time.Second
)

// handleSnapshotStream pushes the current snapshot, then the latest one
// after every change. A slow client skips intermediate versions instead of
// queueing them, since each write fetches the newest snapshot. Idle
// connections are pinged every StreamPing.
func (g *Gateway) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		g.logger.Debug("Snapshot stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if g.metrics != nil {
		g.metrics.streamClients.Inc()
		defer g.metrics.streamClients.Dec()
	}
	g.logger.Debug("Snapshot stream opened", "remote", r.RemoteAddr, "request_id", requestID(r))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pongWait := 2 * g.cfg.StreamPing
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Client messages are ignored; reading surfaces disconnects and pongs.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(snap reading.SensorSnapshot) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(snap)
	}

	current := g.query.Snapshot()
	if err := send(current); err != nil {
		return
	}
	since := current.Version

	for {
		next := g.query.WaitSnapshot(ctx, since, g.cfg.StreamPing)
		if ctx.Err() != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing stream")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamCloseGrace))
			return
		}

		if next.Version > since {
			if err := send(next); err != nil {
				g.logger.Debug("Snapshot stream write failed", "error", err)
				return
			}
			since = next.Version
			continue
		}

		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
			return
		}
	}
}
