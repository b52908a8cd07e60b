package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hazardwatch/internal/changefeed"
	"github.com/linnemanlabs/hazardwatch/internal/realtime"
)

const testToken = "tok-123"

// feedServer is a scripted change-feed endpoint. reply decides how the
// server answers the join; conns receives each joined connection so the test
// can push frames.
type feedServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFeedServer(t *testing.T, reply func(join Frame) *Frame) *feedServer {
	t.Helper()

	fs := &feedServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		var join Frame
		if err := json.Unmarshal(data, &join); err != nil || join.Type != FrameJoin {
			_ = conn.Close()
			return
		}
		if resp := reply(join); resp != nil {
			// noise before the reply must be ignored by the client
			_ = conn.WriteJSON(Frame{Type: FrameEvent, Payload: json.RawMessage(`{"operation":"insert","after":{}}`)})
			_ = conn.WriteJSON(resp)
		}
		fs.conns <- conn
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("server saw no connection")
		return nil
	}
}

func ok(join Frame) *Frame {
	return &Frame{Type: FrameReply, Ref: join.Ref, Status: "ok"}
}

func TestOpen_JoinAndDeliver(t *testing.T) {
	t.Parallel()

	fs := newFeedServer(t, ok)
	tr := New(Config{URL: fs.url(), JoinTimeout: 2 * time.Second}, log.Nop())

	got := make(chan []byte, 4)
	ch, err := tr.Open(context.Background(), changefeed.TopicHazardsNew, testToken, realtime.Callbacks{
		Deliver: func(p []byte) { got <- p },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = ch.Close() }()

	srv := fs.conn(t)
	payload := json.RawMessage(`{"operation":"insert","after":{"id":"h9"}}`)
	if err := srv.WriteJSON(Frame{Type: FrameEvent, Payload: payload}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case p := <-got:
		if string(p) != string(payload) {
			t.Errorf("payload = %s, want %s", p, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no payload delivered")
	}
}

func TestOpen_JoinRefused(t *testing.T) {
	t.Parallel()

	fs := newFeedServer(t, func(join Frame) *Frame {
		return &Frame{Type: FrameReply, Ref: join.Ref, Status: "error", Reason: "forbidden topic"}
	})
	tr := New(Config{URL: fs.url(), JoinTimeout: 2 * time.Second}, log.Nop())

	_, err := tr.Open(context.Background(), changefeed.TopicRSSFeeds, testToken, realtime.Callbacks{})
	var je *JoinError
	if !errors.As(err, &je) {
		t.Fatalf("error = %v, want *JoinError", err)
	}
	if je.Reason != "forbidden topic" {
		t.Errorf("Reason = %q, want %q", je.Reason, "forbidden topic")
	}
}

func TestOpen_JoinTimeout(t *testing.T) {
	t.Parallel()

	fs := newFeedServer(t, func(Frame) *Frame { return nil })
	tr := New(Config{URL: fs.url(), JoinTimeout: 150 * time.Millisecond}, log.Nop())

	_, err := tr.Open(context.Background(), changefeed.TopicRSSFeeds, testToken, realtime.Callbacks{})
	if !errors.Is(err, realtime.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestOpen_Unauthorized(t *testing.T) {
	t.Parallel()

	fs := newFeedServer(t, ok)
	tr := New(Config{URL: fs.url()}, log.Nop())

	_, err := tr.Open(context.Background(), changefeed.TopicRSSFeeds, "stale", realtime.Callbacks{})
	if err == nil {
		t.Fatal("expected dial error for bad credential")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want status 401 in message", err)
	}
}

func TestChannel_ServerErrorAndClose(t *testing.T) {
	t.Parallel()

	fs := newFeedServer(t, ok)
	tr := New(Config{URL: fs.url()}, log.Nop())

	statuses := make(chan realtime.Status, 4)
	ch, err := tr.Open(context.Background(), changefeed.TopicHazardsNew, testToken, realtime.Callbacks{
		Status: func(st realtime.Status, _ error) { statuses <- st },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = ch.Close() }()

	srv := fs.conn(t)
	if err := srv.WriteJSON(Frame{Type: FrameError, Reason: "replication slot lost"}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := srv.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "")); err != nil {
		t.Fatalf("server close: %v", err)
	}

	want := []realtime.Status{realtime.StatusError, realtime.StatusClosed}
	for i, w := range want {
		select {
		case st := <-statuses:
			if st != w {
				t.Errorf("status[%d] = %q, want %q", i, st, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("status[%d] not reported", i)
		}
	}
}

func TestChannel_CloseIsQuiet(t *testing.T) {
	t.Parallel()

	fs := newFeedServer(t, ok)
	tr := New(Config{URL: fs.url()}, log.Nop())

	statuses := make(chan realtime.Status, 4)
	ch, err := tr.Open(context.Background(), changefeed.TopicHazardsNew, testToken, realtime.Callbacks{
		Status: func(st realtime.Status, _ error) { statuses <- st },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = fs.conn(t)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case st := <-statuses:
		t.Errorf("status %q reported after local Close", st)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannel_Heartbeat(t *testing.T) {
	t.Parallel()

	fs := newFeedServer(t, ok)
	tr := New(Config{URL: fs.url(), HeartbeatInterval: 20 * time.Millisecond}, log.Nop())

	ch, err := tr.Open(context.Background(), changefeed.TopicHazardsNew, testToken, realtime.Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = ch.Close() }()

	srv := fs.conn(t)
	if err := srv.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	_, data, err := srv.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if f.Type != FrameHeartbeat {
		t.Errorf("frame type = %q, want %q", f.Type, FrameHeartbeat)
	}
}
