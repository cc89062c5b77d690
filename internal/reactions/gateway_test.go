package reactions

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/microcharge/internal/orchestrator"
	"github.com/CedrosPay/microcharge/internal/payments"
)

func newGatewayServer(t *testing.T, charger Charger, cfg GatewayConfig) (*httptest.Server, *Hub, *Gateway) {
	t.Helper()
	hub := NewHub(nil, zerolog.Nop())
	svc := NewService(hub, charger, ServiceConfig{UnitAmount: 10, Cap: 50})
	gw := NewGateway(svc, hub, cfg, zerolog.Nop())
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, hub, gw
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_PlayAndReact(t *testing.T) {
	charger := &fixedCharger{result: orchestrator.Result{
		ChargeResult: payments.ChargeResult{Status: payments.StatusAccepted, CumulativeTotal: 10},
		Outcome:      orchestrator.OutcomeAccepted,
	}}
	srv, hub, gw := newGatewayServer(t, charger, GatewayConfig{})

	luis := dial(t, srv, "identity=luis")
	ana := dial(t, srv, "nickname=ana")

	if err := luis.WriteJSON(Event{Type: EventPlay, SubjectID: "song-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, luis); f.Kind != FrameEvent || f.Event.Identity != "luis" {
		t.Fatalf("Expected luis's own play, got %+v", f)
	}
	waitFor(t, func() bool { return len(hub.Listeners("song-1")) == 1 })

	// The payload identity is ignored in favour of the connection's.
	if err := ana.WriteJSON(Event{Type: EventReaction, Identity: "mallory", SubjectID: "song-1", Content: "heart"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, luis)
	if f.Kind != FrameEvent || f.Event.Type != EventReaction || f.Event.Identity != "ana" {
		t.Fatalf("Expected ana's reaction relayed, got %+v", f)
	}

	gw.Wait()
	if len(charger.calls) != 1 || charger.calls[0] != "ana/song-1" {
		t.Errorf("Expected one charge for ana, got %v", charger.calls)
	}
}

func TestGateway_RefusedReactionNotifiesSender(t *testing.T) {
	charger := &fixedCharger{result: orchestrator.Result{
		ChargeResult: payments.ChargeResult{Status: payments.StatusLimitExceeded, CumulativeTotal: 50},
		Outcome:      orchestrator.OutcomeRejected,
	}}
	srv, hub, _ := newGatewayServer(t, charger, GatewayConfig{})

	ana := dial(t, srv, "identity=ana")
	waitFor(t, func() bool { return hub.Connections() == 1 })

	if err := ana.WriteJSON(Event{Type: EventReaction, SubjectID: "song-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, ana)
	if f.Kind != FrameNotification || f.Notification.Type != NotificationLimitReached {
		t.Fatalf("Expected LIMIT_REACHED notification, got %+v", f)
	}
}

func TestGateway_BadFrames(t *testing.T) {
	srv, _, _ := newGatewayServer(t, &fixedCharger{}, GatewayConfig{})
	ws := dial(t, srv, "identity=ana")

	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{name: "not json", payload: "hello", wantCode: "invalid_frame"},
		{name: "unknown type", payload: `{"type":"PAUSE","subjectId":"song-1"}`, wantCode: "unknown_event"},
		{name: "missing subject", payload: `{"type":"PLAY"}`, wantCode: "invalid_event"},
		{name: "reaction missing subject", payload: `{"type":"REACTION"}`, wantCode: "invalid_event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.payload)); err != nil {
				t.Fatalf("write: %v", err)
			}
			f := readFrame(t, ws)
			if f.Kind != FrameError || f.Error.Code != tt.wantCode {
				t.Errorf("Expected error %s, got %+v", tt.wantCode, f)
			}
		})
	}
}

func TestGateway_DisconnectUnregisters(t *testing.T) {
	srv, hub, _ := newGatewayServer(t, &fixedCharger{}, GatewayConfig{})
	ws := dial(t, srv, "identity=ana")
	if err := ws.WriteJSON(Event{Type: EventPlay, SubjectID: "song-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, ws)

	ws.Close()
	waitFor(t, func() bool { return hub.Connections() == 0 && len(hub.Listeners("song-1")) == 0 })
}

func TestGateway_OriginCheck(t *testing.T) {
	srv, _, _ := newGatewayServer(t, &fixedCharger{}, GatewayConfig{AllowedOrigins: []string{"https://app.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?identity=ana"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("Expected handshake to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %+v", resp)
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Expected allowed origin to connect: %v", err)
	}
	ws.Close()
}

func TestIdentityFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "identity query", target: "/ws?identity=ana", want: "ana"},
		{name: "nickname query", target: "/ws?nickname=luis", want: "luis"},
		{name: "header", target: "/ws", header: "sofia", want: "sofia"},
		{name: "query wins", target: "/ws?identity=ana", header: "sofia", want: "ana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-Identity", tt.header)
			}
			if got := identityFromRequest(req); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	anon := identityFromRequest(httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !strings.HasPrefix(anon, "anon-") || len(anon) != len("anon-")+8 {
		t.Errorf("Expected anonymous identity, got %q", anon)
	}
}
