// Package stomptest provides an in-process STOMP broker for tests.
package stomptest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowna/flowna-cli/internal/stomp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // subscription id -> destination
}

func (s *session) send(f *stomp.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, f.Encode())
}

// Broker is a minimal STOMP broker served over httptest.
type Broker struct {
	srv *httptest.Server

	mu           sync.Mutex
	sessions     map[*session]struct{}
	tokens       []string
	connectError string
	msgSeq       int
	connects     int
}

func NewBroker() *Broker {
	b := &Broker{sessions: make(map[*session]struct{})}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

// URL returns the ws:// address of the broker.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *Broker) Close() {
	b.DropAll()
	b.srv.Close()
}

// RejectConnect makes subsequent CONNECT frames answer with ERROR. An empty
// message accepts connections again.
func (b *Broker) RejectConnect(message string) {
	b.mu.Lock()
	b.connectError = message
	b.mu.Unlock()
}

// Tokens returns the bearer tokens seen in websocket handshakes, in order.
func (b *Broker) Tokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

// Connects counts successful CONNECT exchanges.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Subscriptions returns every destination currently subscribed across live
// sessions, sorted. A destination subscribed twice appears twice.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for s := range b.sessions {
		for _, dest := range s.subs {
			out = append(out, dest)
		}
	}
	sort.Strings(out)
	return out
}

// WaitSubscriptions polls until Subscriptions has n entries or the timeout
// elapses, and returns the last observed value.
func (b *Broker) WaitSubscriptions(n int, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	for {
		subs := b.Subscriptions()
		if len(subs) == n || time.Now().After(deadline) {
			return subs
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Publish delivers body to every subscription on destination.
func (b *Broker) Publish(destination string, body []byte) int {
	b.mu.Lock()
	type target struct {
		s  *session
		id string
	}
	var targets []target
	for s := range b.sessions {
		for id, dest := range s.subs {
			if dest == destination {
				targets = append(targets, target{s, id})
			}
		}
	}
	b.msgSeq++
	seq := b.msgSeq
	b.mu.Unlock()

	for _, t := range targets {
		f := stomp.NewFrame(stomp.CmdMessage,
			"destination", destination,
			"subscription", t.id,
			"message-id", strconv.Itoa(seq),
			"content-type", "application/json",
		)
		f.Body = body
		t.s.send(f)
	}
	return len(targets)
}

// SendError sends an ERROR frame on every live session.
func (b *Broker) SendError(message string) {
	b.mu.Lock()
	var all []*session
	for s := range b.sessions {
		all = append(all, s)
	}
	b.mu.Unlock()
	for _, s := range all {
		s.send(stomp.NewFrame(stomp.CmdError, "message", message))
	}
}

// DropAll closes every client socket without a STOMP goodbye.
func (b *Broker) DropAll() {
	b.mu.Lock()
	var all []*session
	for s := range b.sessions {
		all = append(all, s)
	}
	b.mu.Unlock()
	for _, s := range all {
		s.ws.Close()
	}
}

func (b *Broker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &session{ws: ws, subs: make(map[string]string)}
	b.mu.Lock()
	b.tokens = append(b.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sessions, s)
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := stomp.Decode(data)
		if err != nil || f == nil {
			continue
		}
		switch f.Command {
		case stomp.CmdConnect:
			b.mu.Lock()
			reject := b.connectError
			if reject == "" {
				b.sessions[s] = struct{}{}
				b.connects++
			}
			b.mu.Unlock()
			if reject != "" {
				s.send(stomp.NewFrame(stomp.CmdError, "message", reject))
				return
			}
			s.send(stomp.NewFrame(stomp.CmdConnected, "version", "1.2", "heart-beat", "0,0"))
		case stomp.CmdSubscribe:
			b.mu.Lock()
			s.subs[f.Get("id")] = f.Destination()
			b.mu.Unlock()
		case stomp.CmdUnsubscribe:
			b.mu.Lock()
			delete(s.subs, f.Get("id"))
			b.mu.Unlock()
		case stomp.CmdSend:
			b.Publish(f.Destination(), f.Body)
		case stomp.CmdDisconnect:
			return
		}
	}
}
