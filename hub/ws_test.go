package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storymind-ai/storymind/core"
)

type echoHandler struct {
	hub *Hub
}

// Handle mimics the orchestrator's contract: the outcome arrives as an
// event on the conversation topic.
func (h *echoHandler) Handle(ctx context.Context, ownerID string, req *core.AgentRequest) error {
	if string(req.Payload) == `"fail"` {
		return fmt.Errorf("no narrative agents: %w", core.ErrNoTarget)
	}
	_, err := h.hub.Publish(ctx, "conversation."+req.ConversationID, ownerID, req.Payload)
	return err
}

type denyAll struct{}

func (denyAll) Authenticate(context.Context, string, string) error {
	return core.ErrInvalidRequest
}

func dialTestServer(t *testing.T, h *Hub, auth Authenticator) *websocket.Conn {
	t.Helper()
	ws := NewWSServer(h, &echoHandler{hub: h}, auth, "instance-test", time.Second, core.SafetyNormal, nil, nil)
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readFrame decodes the next text frame into a generic map.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]interface{}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func expectType(t *testing.T, frame map[string]interface{}, want string) {
	t.Helper()
	if frame["type"] != want {
		t.Fatalf("frame = %v, want type %q", frame, want)
	}
}

func TestWSHandshake(t *testing.T) {
	conn := dialTestServer(t, newLocalHub(core.HubConfig{}), nil)

	send(t, conn, map[string]interface{}{"type": "hello", "owner_id": "owner-1"})
	welcome := readFrame(t, conn)
	expectType(t, welcome, "welcome")
	if welcome["instance_id"] != "instance-test" {
		t.Fatalf("instance_id = %v", welcome["instance_id"])
	}
	if _, ok := welcome["server_time"].(float64); !ok {
		t.Fatalf("server_time missing: %v", welcome)
	}
}

func TestWSRejectsNonHelloFirstFrame(t *testing.T) {
	conn := dialTestServer(t, newLocalHub(core.HubConfig{}), nil)

	send(t, conn, map[string]interface{}{"type": "subscribe", "topics": []string{"conversation.c1"}})
	frame := readFrame(t, conn)
	expectType(t, frame, "error")
	if frame["code"] != core.CodeInvalidRequest {
		t.Fatalf("code = %v", frame["code"])
	}
}

func TestWSRejectsFailedAuthentication(t *testing.T) {
	conn := dialTestServer(t, newLocalHub(core.HubConfig{}), denyAll{})

	send(t, conn, map[string]interface{}{"type": "hello", "owner_id": "owner-1", "token": "bad"})
	frame := readFrame(t, conn)
	expectType(t, frame, "error")
	if frame["code"] != core.CodeUnauthenticated {
		t.Fatalf("code = %v", frame["code"])
	}
}

func TestWSSubscribeAndRequestRoundTrip(t *testing.T) {
	conn := dialTestServer(t, newLocalHub(core.HubConfig{}), nil)

	send(t, conn, map[string]interface{}{"type": "hello", "owner_id": "owner-1"})
	expectType(t, readFrame(t, conn), "welcome")

	send(t, conn, map[string]interface{}{"type": "subscribe", "topics": []string{"conversation.c1"}})
	sub := readFrame(t, conn)
	expectType(t, sub, "subscribed")

	send(t, conn, map[string]interface{}{
		"type":            "request",
		"conversation_id": "c1",
		"request_id":      "r1",
		"payload":         "a story request",
	})

	ev := readFrame(t, conn)
	expectType(t, ev, "event")
	if ev["topic"] != "conversation.c1" {
		t.Fatalf("topic = %v", ev["topic"])
	}
	if ev["sequence"].(float64) != 1 {
		t.Fatalf("sequence = %v, want 1 for the topic's first event", ev["sequence"])
	}
	var payload string
	raw, _ := json.Marshal(ev["payload"])
	if err := json.Unmarshal(raw, &payload); err != nil || payload != "a story request" {
		t.Fatalf("payload = %v", ev["payload"])
	}
}

func TestWSRequestFailureReturnsErrorFrame(t *testing.T) {
	conn := dialTestServer(t, newLocalHub(core.HubConfig{}), nil)

	send(t, conn, map[string]interface{}{"type": "hello", "owner_id": "owner-1"})
	expectType(t, readFrame(t, conn), "welcome")

	send(t, conn, map[string]interface{}{
		"type":            "request",
		"conversation_id": "c1",
		"request_id":      "r1",
		"payload":         "fail",
	})

	frame := readFrame(t, conn)
	expectType(t, frame, "error")
	if frame["code"] != core.CodeNoTarget {
		t.Fatalf("code = %v, want %q", frame["code"], core.CodeNoTarget)
	}
	if frame["request_id"] != "r1" {
		t.Fatalf("request_id = %v", frame["request_id"])
	}
}

func TestWSRequestRequiresIDs(t *testing.T) {
	conn := dialTestServer(t, newLocalHub(core.HubConfig{}), nil)

	send(t, conn, map[string]interface{}{"type": "hello", "owner_id": "owner-1"})
	expectType(t, readFrame(t, conn), "welcome")

	send(t, conn, map[string]interface{}{"type": "request", "payload": "x"})
	frame := readFrame(t, conn)
	expectType(t, frame, "error")
	if frame["code"] != core.CodeInvalidRequest {
		t.Fatalf("code = %v", frame["code"])
	}
}

func TestWSPingPong(t *testing.T) {
	conn := dialTestServer(t, newLocalHub(core.HubConfig{}), nil)

	send(t, conn, map[string]interface{}{"type": "hello", "owner_id": "owner-1"})
	expectType(t, readFrame(t, conn), "welcome")

	send(t, conn, map[string]interface{}{"type": "ping"})
	pong := readFrame(t, conn)
	expectType(t, pong, "pong")
	if _, ok := pong["server_time"].(float64); !ok {
		t.Fatalf("server_time missing: %v", pong)
	}
}

func TestWSShutdownSendsBye(t *testing.T) {
	h := newLocalHub(core.HubConfig{})
	conn := dialTestServer(t, h, nil)

	send(t, conn, map[string]interface{}{"type": "hello", "owner_id": "owner-1"})
	expectType(t, readFrame(t, conn), "welcome")

	h.Shutdown(context.Background())

	frame := readFrame(t, conn)
	expectType(t, frame, "bye")
	if frame["reason"] != ReasonServerShutdown {
		t.Fatalf("reason = %v, want %q", frame["reason"], ReasonServerShutdown)
	}
}
