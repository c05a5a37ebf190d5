package watch

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-sortlock/v1/syncbus"
)

func TestSubscribeUnit(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	events, err := Subscribe(ctx, bus, "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := syncbus.Announce(context.Background(), bus, syncbus.EventUnlocked, "b"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := syncbus.Announce(context.Background(), bus, syncbus.EventReclaimed, "a"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != syncbus.EventReclaimed || ev.Unit != "a" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("unexpected extra event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscribeAllUnits(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := Subscribe(ctx, bus, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := syncbus.Announce(ctx, bus, syncbus.EventLocked, "x"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != syncbus.EventLocked || ev.Unit != "" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

type failingBus struct{ syncbus.Bus }

func (failingBus) Subscribe(context.Context, string) (chan struct{}, error) {
	return nil, errors.New("bus down")
}

func TestSSEHandlerStream(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	// Headers are flushed only after the subscription is in place.
	resp, err := http.Get(srv.URL + "?unit=foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if err := syncbus.Announce(context.Background(), bus, syncbus.EventLocked, "foo"); err != nil {
		t.Fatalf("announce: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	lines := make([]string, 0, 2)
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	if lines[0] != "event: lock" || lines[1] != `data: {"kind":"lock","unit":"foo"}` {
		t.Fatalf("unexpected stream %q", lines)
	}
}

func TestSSEHandlerSubscribeError(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(failingBus{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorReturns(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	handler := SSEHandler(bus)
	req := httptest.NewRequest(http.MethodGet, "/?unit=foo", nil)

	done := make(chan struct{})
	go func() {
		handler(&failingWriter{header: make(http.Header)}, req)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		_ = syncbus.Announce(context.Background(), bus, syncbus.EventLocked, "foo")
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("handler did not exit on write error")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?unit=foo"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := syncbus.Announce(context.Background(), bus, syncbus.EventUnlocked, "foo"); err != nil {
		t.Fatalf("announce: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != syncbus.EventUnlocked || ev.Unit != "foo" {
		t.Fatalf("unexpected %+v", ev)
	}
}

func TestWebSocketHandlerContextCancel(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewUnstartedServer(WebSocketHandler(bus))
	srv.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	srv.Start()
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?unit=foo"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after cancel")
	}
}
