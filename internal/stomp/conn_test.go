package stomp_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowna/flowna-cli/internal/stomp"
	"github.com/flowna/flowna-cli/internal/stomp/stomptest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, b *stomptest.Broker, token string) *stomp.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := stomp.Dial(ctx, b.URL(), stomp.Options{Token: token, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_SendsBearerToken(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()

	dial(t, b, "tok-1")
	if got := b.Tokens(); len(got) != 1 || got[0] != "tok-1" {
		t.Errorf("tokens: got %v", got)
	}
}

func TestSubscribe_ReceivesMessages(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	c := dial(t, b, "tok")

	got := make(chan string, 1)
	if _, err := c.Subscribe("/topic/rooms/ABC", func(f *stomp.Frame) {
		got <- string(f.Body)
	}); err != nil {
		t.Fatal(err)
	}
	b.WaitSubscriptions(1, time.Second)
	b.Publish("/topic/rooms/ABC", []byte(`{"eventType":"PLAYER_READY"}`))

	select {
	case body := <-got:
		if body != `{"eventType":"PLAYER_READY"}` {
			t.Errorf("body: got %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	c := dial(t, b, "tok")

	sub, err := c.Subscribe("/topic/rooms/ABC", func(*stomp.Frame) {
		t.Error("handler called after unsubscribe")
	})
	if err != nil {
		t.Fatal(err)
	}
	b.WaitSubscriptions(1, time.Second)
	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second unsubscribe: %v", err)
	}
	if subs := b.WaitSubscriptions(0, time.Second); len(subs) != 0 {
		t.Errorf("broker still has %v", subs)
	}
	b.Publish("/topic/rooms/ABC", []byte("{}"))
	time.Sleep(50 * time.Millisecond)
}

func TestErrorFrame_EndsConnection(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	c := dial(t, b, "tok")

	b.SendError("session expired")
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not end on ERROR frame")
	}
	var perr *stomp.ProtocolError
	if !errors.As(c.Err(), &perr) || perr.Message != "session expired" {
		t.Errorf("expected ProtocolError, got %v", c.Err())
	}
	if _, err := c.Subscribe("/topic/x", func(*stomp.Frame) {}); err == nil {
		t.Error("subscribe on a dead connection should fail")
	}
}

func TestDial_RejectedConnect(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	b.RejectConnect("bad credentials")

	_, err := stomp.Dial(context.Background(), b.URL(), stomp.Options{Token: "x", Logger: discardLogger()})
	var perr *stomp.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestClose_SetsErrClosed(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	c := dial(t, b, "tok")

	c.Close()
	<-c.Done()
	if !errors.Is(c.Err(), stomp.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", c.Err())
	}
	if err := c.Send("/app/x", "", nil); !errors.Is(err, stomp.ErrClosed) {
		t.Errorf("send after close: %v", err)
	}
}

func TestDroppedSocket_EndsConnection(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	c := dial(t, b, "tok")

	b.DropAll()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not notice dropped socket")
	}
	if c.Err() == nil || errors.Is(c.Err(), stomp.ErrClosed) {
		t.Errorf("expected transport error, got %v", c.Err())
	}
}
