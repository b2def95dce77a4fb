package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"generation-orchestrator/internal/models"
)

// ClientFrame is sent by WebSocket clients to change room membership.
type ClientFrame struct {
	Action string `json:"action"`
	JobID  string `json:"jobId,omitempty"`
}

// JoinFunc decides whether userID may follow jobID. A nil JoinFunc allows
// every subscription.
type JoinFunc func(ctx context.Context, userID, jobID string) bool

// Handler upgrades requests to WebSocket connections on the hub. The
// connecting user is joined to its user room; clients subscribe to single
// jobs with {"action":"subscribe","jobId":"..."}.
type Handler struct {
	hub     *Hub
	userOf  func(*http.Request) string
	canJoin JoinFunc
	logger  zerolog.Logger
}

func NewHandler(hub *Hub, userOf func(*http.Request) string, canJoin JoinFunc, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, userOf: userOf, canJoin: canJoin, logger: logger.With().Str("component", "relay-ws").Logger()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := h.userOf(r)
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := h.hub.Connect(userID)
	log := h.logger.With().Str("conn_id", conn.ID()).Str("user_id", userID).Logger()
	log.Debug().Msg("relay connection opened")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(netConn, conn, log)
		cancel()
	}()

	h.readLoop(ctx, netConn, conn, log)
	h.hub.Disconnect(conn)
	_ = netConn.Close()
	<-done
	log.Debug().Msg("relay connection closed")
}

func (h *Handler) readLoop(ctx context.Context, netConn net.Conn, conn *Conn, log zerolog.Logger) {
	for {
		data, op, err := wsutil.ReadClientData(netConn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.JobID == "" {
			h.notice(conn, "error", frame.JobID, map[string]string{"message": "expected {action, jobId}"})
			continue
		}
		room := JobRoom(frame.JobID)
		switch frame.Action {
		case "subscribe":
			if h.canJoin != nil && !h.canJoin(ctx, conn.UserID(), frame.JobID) {
				h.notice(conn, "error", frame.JobID, map[string]string{"message": "not allowed"})
				continue
			}
			h.hub.Registry().Join(conn.ID(), room)
			h.notice(conn, "subscribed", frame.JobID, map[string]string{"room": room})
		case "unsubscribe":
			h.hub.Registry().Leave(conn.ID(), room)
			h.notice(conn, "unsubscribed", frame.JobID, map[string]string{"room": room})
		default:
			h.notice(conn, "error", frame.JobID, map[string]string{"message": "unknown action " + frame.Action})
		}
		log.Debug().Str("action", frame.Action).Str("job_id", frame.JobID).Msg("relay frame")
	}
}

// writeLoop drains the connection's events until the hub closes the channel
// or a write fails.
func (h *Handler) writeLoop(netConn net.Conn, conn *Conn, log zerolog.Logger) {
	for ev := range conn.C() {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Warn().Err(err).Msg("marshal relay event")
			continue
		}
		if err := wsutil.WriteServerText(netConn, data); err != nil {
			_ = netConn.Close()
			return
		}
	}
}

// notice queues a control frame through the event channel so that only the
// write loop touches the socket.
func (h *Handler) notice(conn *Conn, event, jobID string, data map[string]string) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	conn.send(models.Event{Name: models.EventName(event), JobID: jobID, Data: raw, Timestamp: time.Now().UTC()})
}
