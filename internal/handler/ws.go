package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mapsel/spatial-select/internal/draw"
	"github.com/mapsel/spatial-select/internal/events"
	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/hub"
	"github.com/mapsel/spatial-select/internal/measure"
	"github.com/mapsel/spatial-select/internal/model"
	"github.com/mapsel/spatial-select/internal/observability"
	"github.com/mapsel/spatial-select/internal/query"
	"github.com/mapsel/spatial-select/internal/session"
)

// WSConfig carries the interaction tunables a connection inherits.
type WSConfig struct {
	DragThresholdPx float64
	ClickGuard      time.Duration
	DefaultZoom     int
}

// WSHandler upgrades map clients to a WebSocket session. Each
// connection owns its own draw tool, measure engine and generation
// counter; results flow back through the hub.
type WSHandler struct {
	logger   *slog.Logger
	hub      *hub.Hub
	sessions *session.Manager
	orch     *query.Orchestrator
	events   *events.Publisher
	cfg      WSConfig
}

func NewWSHandler(logger *slog.Logger, h *hub.Hub, sessions *session.Manager, orch *query.Orchestrator, pub *events.Publisher, cfg WSConfig) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultZoom <= 0 {
		cfg.DefaultZoom = 12
	}
	return &WSHandler{logger: logger, hub: h, sessions: sessions, orch: orch, events: pub, cfg: cfg}
}

// WSMessage is the client-to-server envelope.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type measureStartPayload struct {
	Mode string `json:"mode"`
}

type rectPayload struct {
	Bounds geom.BBox `json:"bounds"`
	Final  bool      `json:"final"`
}

type measurementPayload struct {
	Reading measure.Reading `json:"reading"`
	Final   bool            `json:"final"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "err", err)
		return
	}

	zoom := h.cfg.DefaultZoom
	if raw := r.URL.Query().Get("zoom"); raw != "" {
		if z, err := strconv.Atoi(raw); err == nil {
			zoom = z
		}
	}

	sess := h.sessions.Create(zoom)
	client := hub.NewClient(uuid.New().String(), sess.ID, 256)
	h.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		h:    h,
		ctx:  ctx,
		sess: sess,
		sink: hub.NewSessionSink(h.hub, sess.ID),
	}
	c.draw = draw.NewTool(h.logger, sess, c.startSelection, h.cfg.DragThresholdPx)
	c.meas = measure.NewEngine(h.logger, h.cfg.ClickGuard)

	h.logger.Debug("session connected", "session_id", sess.ID, "zoom", zoom)

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client, c)
}

// wsConn is the per-connection interaction state.
type wsConn struct {
	h    *WSHandler
	ctx  context.Context
	sess *session.MapSession
	sink hub.Sink
	draw *draw.Tool
	meas *measure.Engine
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client, c *wsConn) {
	defer func() {
		h.hub.Unregister(client)
		h.sessions.Destroy(c.sess.ID)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "session_id", c.sess.ID, "err", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "session_id", c.sess.ID, "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) dispatch(msg WSMessage) {
	switch msg.Type {
	case "draw_start":
		if err := c.sess.Acquire("draw"); err != nil {
			c.sink.Status(hub.StatusError, err.Error())
			return
		}
		c.draw.Start()
		c.sink.Status(hub.StatusInfo, "drag a rectangle to select features")

	case "pointer_down":
		ev, ok := c.pointerEvent(msg.Payload)
		if !ok {
			return
		}
		c.draw.PointerDown(ev)

	case "pointer_move":
		ev, ok := c.pointerEvent(msg.Payload)
		if !ok {
			return
		}
		if rect, live := c.draw.PointerMove(ev); live {
			c.sendRect(rect, false)
		}

	case "pointer_up":
		ev, ok := c.pointerEvent(msg.Payload)
		if !ok {
			return
		}
		if rect, done := c.draw.PointerUp(ev); done {
			c.sendRect(rect, true)
		}

	case "measure_start":
		var p measureStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if err := c.sess.Acquire("measure"); err != nil {
			c.sink.Status(hub.StatusError, err.Error())
			return
		}
		if err := c.meas.Start(measure.Mode(p.Mode)); err != nil {
			c.sess.Release("measure")
			c.sink.Status(hub.StatusError, err.Error())
		}

	case "map_click":
		ev, ok := c.pointerEvent(msg.Payload)
		if !ok {
			return
		}
		reading, err := c.meas.Click(ev.At)
		if err != nil {
			c.sink.Status(hub.StatusWarning, err.Error())
			return
		}
		c.sendReading(reading, false)

	case "map_dblclick":
		ev, ok := c.pointerEvent(msg.Payload)
		if !ok {
			return
		}
		reading, err := c.meas.DoubleClick(ev.At)
		if err != nil {
			if errors.Is(err, measure.ErrTooFewVertices) {
				c.sink.Status(hub.StatusWarning, err.Error())
			}
			return
		}
		c.sendReading(reading, true)

	case "measure_stop":
		c.meas.Stop()
		c.sess.Release("measure")

	case "clear":
		c.draw.Stop()
		c.meas.Clear()
		c.sess.Release(c.sess.ActiveTool())
		c.sink.Status(hub.StatusInfo, "cleared")

	case "tool_stop":
		switch tool := c.sess.ActiveTool(); tool {
		case "draw":
			c.draw.Stop()
			c.sess.Release(tool)
		case "measure":
			c.meas.Stop()
			c.sess.Release(tool)
		}

	default:
		c.h.logger.Debug("unknown message type", "session_id", c.sess.ID, "type", msg.Type)
	}
}

func (c *wsConn) pointerEvent(raw json.RawMessage) (model.PointerEvent, bool) {
	var ev model.PointerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.h.logger.Debug("invalid pointer payload", "session_id", c.sess.ID, "err", err)
		return model.PointerEvent{}, false
	}
	return ev, true
}

func (c *wsConn) sendRect(b geom.BBox, final bool) {
	c.h.hub.SendToSession(c.sess.ID, hub.Event{
		Type:    hub.EventRect,
		Payload: rectPayload{Bounds: b, Final: final},
	})
}

func (c *wsConn) sendReading(r measure.Reading, final bool) {
	c.h.hub.SendToSession(c.sess.ID, hub.Event{
		Type:    hub.EventMeasurement,
		Payload: measurementPayload{Reading: r, Final: final},
	})
}

// startSelection is the draw tool's finalize callback. The query runs
// off the read loop; a result is delivered only if no newer rectangle
// was issued while it was in flight.
func (c *wsConn) startSelection(b geom.BBox) {
	gen := c.sess.NextGeneration()
	req := query.Request{
		Bounds:     b,
		Zoom:       c.sess.Zoom(),
		Generation: gen,
	}
	c.sink.Progress(0)

	go func() {
		res, err := c.h.orch.Select(c.ctx, req)
		if err != nil {
			c.sink.Status(hub.StatusError, "selection failed: "+err.Error())
			return
		}
		if !c.sess.Admit(res.Generation) {
			return
		}

		c.sink.Progress(100)
		c.sink.FeatureBatch(res)
		for _, warn := range res.Warnings {
			c.sink.Status(hub.StatusWarning, warn.Layer+": "+warn.Message)
		}

		observability.ObserveSelection("ws", res.Elapsed.Seconds(), len(res.Features))
		c.h.events.Publish(events.Selection{
			SessionID: c.sess.ID,
			Transport: "ws",
			Bounds:    res.Bounds,
			Zoom:      req.Zoom,
			Features:  len(res.Features),
			Total:     res.Total,
			Warnings:  len(res.Warnings),
			ElapsedMS: res.Elapsed.Milliseconds(),
		})
	}()
}
