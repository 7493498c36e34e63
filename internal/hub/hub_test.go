package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return Event{}
	}
}

func TestHub_SessionRouting(t *testing.T) {
	h := New(testLogger())
	a := NewClient("c1", "session-a", 8)
	b := NewClient("c2", "session-b", 8)
	h.Register(a)
	h.Register(b)

	h.SendToSession("session-a", Event{Type: EventStatus, Payload: map[string]string{"message": "hello"}})

	ev := recv(t, a)
	if ev.Type != EventStatus {
		t.Fatalf("type = %q, want status", ev.Type)
	}
	select {
	case data := <-b.Send:
		t.Fatalf("session-b received someone else's event: %s", data)
	default:
	}
}

func TestHub_BroadcastReachesEveryone(t *testing.T) {
	h := New(testLogger())
	a := NewClient("c1", "session-a", 8)
	b := NewClient("c2", "session-b", 8)
	h.Register(a)
	h.Register(b)

	h.Broadcast(Event{Type: EventStatus, Payload: map[string]string{"message": "layer updated"}})

	if ev := recv(t, a); ev.Type != EventStatus {
		t.Fatalf("a got %q", ev.Type)
	}
	if ev := recv(t, b); ev.Type != EventStatus {
		t.Fatalf("b got %q", ev.Type)
	}
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	h := New(testLogger())
	c := NewClient("c1", "session-a", 1)
	h.Register(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			h.SendToSession("session-a", Event{Type: EventProgress, Payload: map[string]int{"pct": i * 10}})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on a full client buffer")
	}
	if got := len(c.Send); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	h := New(testLogger())
	c := NewClient("c1", "session-a", 8)
	h.Register(c)
	h.Unregister(c)

	if _, ok := <-c.Send; ok {
		t.Fatal("send channel still open after unregister")
	}
	if h.ClientCount() != 0 {
		t.Fatalf("client count = %d, want 0", h.ClientCount())
	}
	// double unregister must not panic on a closed channel
	h.Unregister(c)
}

func TestHub_RunClosesClientsOnShutdown(t *testing.T) {
	h := New(testLogger())
	c := NewClient("c1", "session-a", 8)
	h.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("send channel open after shutdown")
	}

	// late registrations are turned away with a closed channel
	late := NewClient("c2", "session-a", 8)
	h.Register(late)
	if _, ok := <-late.Send; ok {
		t.Fatal("late client was accepted after shutdown")
	}
}

func TestSink_FeatureBatchEncodesCollection(t *testing.T) {
	h := New(testLogger())
	c := NewClient("c1", "session-a", 8)
	h.Register(c)
	sink := NewSessionSink(h, "session-a")

	res := &model.SelectResult{
		Bounds: geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0},
		Features: []model.Feature{{
			ID:         "f1",
			Layer:      "parcels",
			Geometry:   geom.Geometry{Type: geom.TypePoint, Point: geom.Point{Lon: -82.95, Lat: 39.95}},
			Attributes: map[string]any{"name": "lot 12"},
		}},
		Total:   1,
		Elapsed: 42 * time.Millisecond,
	}
	sink.FeatureBatch(res)

	ev := recv(t, c)
	if ev.Type != EventFeatures {
		t.Fatalf("type = %q, want features", ev.Type)
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		t.Fatalf("re-marshal payload: %v", err)
	}
	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
		Properties struct {
			Total     int   `json:"total"`
			ElapsedMS int64 `json:"elapsed_ms"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("decode doc: %v", err)
	}
	if doc.Type != "FeatureCollection" {
		t.Fatalf("doc type = %q", doc.Type)
	}
	if len(doc.Features) != 1 || doc.Features[0].Properties["layerId"] != "parcels" {
		t.Fatalf("features missing the layer tag: %+v", doc.Features)
	}
	if doc.Properties.Total != 1 || doc.Properties.ElapsedMS != 42 {
		t.Fatalf("doc properties = %+v", doc.Properties)
	}
}

func TestSink_ProgressClamped(t *testing.T) {
	h := New(testLogger())
	c := NewClient("c1", "session-a", 8)
	h.Register(c)
	sink := NewSessionSink(h, "session-a")

	sink.Progress(140)
	ev := recv(t, c)
	payload, _ := json.Marshal(ev.Payload)
	var p struct {
		Pct int `json:"pct"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if p.Pct != 100 {
		t.Fatalf("pct = %d, want clamped 100", p.Pct)
	}
}
