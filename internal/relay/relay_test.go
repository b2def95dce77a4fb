package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"generation-orchestrator/internal/models"
)

func statusEvent(jobID, userID string, status models.Status) models.Event {
	return models.StatusEvent(models.Job{ID: jobID, UserID: userID, Status: status})
}

func receive(t *testing.T, c *Conn) models.Event {
	t.Helper()
	select {
	case ev := <-c.C():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
	return models.Event{}
}

func TestHubDeliversToJobAndUserRooms(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	owner := hub.Connect("u1")
	watcher := hub.Connect("u2")
	hub.Registry().Join(watcher.ID(), JobRoom("j1"))
	stranger := hub.Connect("u3")

	_ = hub.Publish(context.Background(), statusEvent("j1", "u1", models.StatusQueued))

	if ev := receive(t, owner); ev.JobID != "j1" || ev.Name != models.EventStatus {
		t.Fatalf("owner got %+v", ev)
	}
	if ev := receive(t, watcher); ev.JobID != "j1" {
		t.Fatalf("watcher got %+v", ev)
	}
	select {
	case ev := <-stranger.C():
		t.Fatalf("stranger should not receive %+v", ev)
	default:
	}
}

func TestHubDeliversOnceForOverlappingRooms(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	c := hub.Connect("u1")
	hub.Registry().Join(c.ID(), JobRoom("j1"))

	_ = hub.Publish(context.Background(), statusEvent("j1", "u1", models.StatusQueued))
	receive(t, c)
	select {
	case ev := <-c.C():
		t.Fatalf("duplicate delivery %+v", ev)
	default:
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	hub.Connect("u1")

	for i := 0; i < 3; i++ {
		_ = hub.Publish(context.Background(), statusEvent("j1", "u1", models.StatusProcessing))
	}
	published, dropped := hub.Stats()
	if published != 1 || dropped != 2 {
		t.Fatalf("expected 1 published and 2 dropped, got %d/%d", published, dropped)
	}
}

func TestDisconnectRemovesFromRegistry(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	c := hub.Connect("u1")
	hub.Registry().Join(c.ID(), JobRoom("j1"))
	if hub.Registry().Len() != 1 || hub.Registry().RoomSize(JobRoom("j1")) != 1 {
		t.Fatalf("connection not registered")
	}

	hub.Disconnect(c)
	if hub.Registry().Len() != 0 || hub.Registry().RoomSize(JobRoom("j1")) != 0 || hub.Registry().RoomSize(UserRoom("u1")) != 0 {
		t.Fatalf("connection still registered after disconnect")
	}
	if _, ok := <-c.C(); ok {
		t.Fatalf("expected closed channel")
	}
	// Publishing after disconnect must not panic.
	_ = hub.Publish(context.Background(), statusEvent("j1", "u1", models.StatusQueued))
}

func TestBridgeRelaysRedisEvents(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub(8, zerolog.Nop())
	c := hub.Connect("u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge := NewBridge(client, "events", hub, zerolog.Nop())
	go func() { _ = bridge.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for mr.PubSubNumSub("events")["events"] == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bridge never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pub := NewRedisPublisher(client, "events")
	if err := pub.Publish(ctx, statusEvent("j1", "u1", models.StatusCompleted)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := receive(t, c)
	if ev.JobID != "j1" || ev.Name != models.EventStatus {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebSocketSubscribe(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	userOf := func(r *http.Request) string { return r.URL.Query().Get("user") }
	srv := httptest.NewServer(NewHandler(hub, userOf, nil, zerolog.Nop()))
	defer srv.Close()

	ctx := context.Background()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?user=u1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	read := func() models.Event {
		t.Helper()
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return ev
	}

	if err := wsutil.WriteClientText(conn, []byte(`{"action":"subscribe","jobId":"j9"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := read(); ev.Name != "subscribed" || ev.JobID != "j9" {
		t.Fatalf("expected subscribed notice, got %+v", ev)
	}

	_ = hub.Publish(ctx, statusEvent("j9", "someone-else", models.StatusProcessing))
	if ev := read(); ev.Name != models.EventStatus || ev.JobID != "j9" {
		t.Fatalf("expected job room event, got %+v", ev)
	}

	_ = hub.Publish(ctx, statusEvent("j10", "u1", models.StatusQueued))
	if ev := read(); ev.JobID != "j10" {
		t.Fatalf("expected user room event, got %+v", ev)
	}
}
