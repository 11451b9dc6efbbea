package stomp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	connectTimeout = 15 * time.Second
	maxFrameSize   = 4 << 20
)

var ErrClosed = errors.New("stomp: connection closed")

// ProtocolError is raised when the broker answers with an ERROR frame.
type ProtocolError struct {
	Message string
	Body    string
}

func (e *ProtocolError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp: broker error: %s: %s", e.Message, e.Body)
	}
	return "stomp: broker error: " + e.Message
}

// Handler receives MESSAGE frames for one subscription. Handlers run on the
// connection's read loop, so frames for a subscription arrive in broker order.
type Handler func(*Frame)

// Options configures Dial.
type Options struct {
	// Token is sent as a bearer credential in both the websocket handshake and
	// the CONNECT frame.
	Token string
	// Host is the STOMP virtual host. Defaults to the URL host.
	Host string
	// HeartBeat is both the outgoing interval offered and the incoming interval
	// requested. Zero disables heart-beating.
	HeartBeat time.Duration
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
}

// Conn is a STOMP 1.2 session carried over a websocket.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*Subscription
	err  error

	done      chan struct{}
	closeOnce sync.Once
	readWait  time.Duration
}

// Subscription is a live SUBSCRIBE on a Conn.
type Subscription struct {
	id          string
	destination string
	handler     Handler
	conn        *Conn
}

func (s *Subscription) ID() string          { return s.id }
func (s *Subscription) Destination() string { return s.destination }

// Unsubscribe stops delivery to the handler immediately and tells the broker.
// Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() error {
	c := s.conn
	c.mu.Lock()
	cur, ok := c.subs[s.id]
	if ok && cur == s {
		delete(c.subs, s.id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.write(NewFrame(CmdUnsubscribe, "id", s.id))
}

// Dial opens the websocket, performs the CONNECT/CONNECTED exchange and starts
// the read loop.
func Dial(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hdr := http.Header{}
	if opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)
	// Abort the handshake promptly if ctx is cancelled.
	stopWatch := context.AfterFunc(ctx, func() { ws.Close() })
	defer stopWatch()

	host := opts.Host
	if host == "" {
		host = u.Hostname()
	}
	hb := strconv.FormatInt(opts.HeartBeat.Milliseconds(), 10)
	connect := NewFrame(CmdConnect,
		"accept-version", "1.2",
		"host", host,
		"heart-beat", hb+","+hb,
	)
	if opts.Token != "" {
		connect.Set("Authorization", "Bearer "+opts.Token)
	}

	c := &Conn{
		ws:     ws,
		logger: logger,
		subs:   make(map[string]*Subscription),
		done:   make(chan struct{}),
	}

	if err := c.write(connect); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	deadline := time.Now().Add(connectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)
	var connected *Frame
	for connected == nil {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		connected, err = Decode(data)
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
	}
	switch connected.Command {
	case CmdConnected:
	case CmdError:
		ws.Close()
		return nil, &ProtocolError{Message: connected.Get("message"), Body: string(connected.Body)}
	default:
		ws.Close()
		return nil, fmt.Errorf("%w: expected CONNECTED, got %s", ErrMalformedFrame, connected.Command)
	}
	if !stopWatch() {
		ws.Close()
		return nil, ctx.Err()
	}
	ws.SetReadDeadline(time.Time{})

	send, recv := negotiateHeartBeat(opts.HeartBeat, connected.Get("heart-beat"))
	if recv > 0 {
		c.readWait = 2 * recv
		ws.SetReadDeadline(time.Now().Add(c.readWait))
	}

	go c.readLoop()
	if send > 0 {
		go c.heartBeatLoop(send)
	}
	logger.Debug("stomp connected", "url", rawURL, "server", connected.Get("server"), "send_hb", send, "recv_hb", recv)
	return c, nil
}

// negotiateHeartBeat applies the STOMP 1.2 rules: each side uses the larger of
// what one offers and the other wants, and zero on either side disables it.
func negotiateHeartBeat(local time.Duration, server string) (send, recv time.Duration) {
	sx, sy, ok := strings.Cut(server, ",")
	if !ok || local <= 0 {
		return 0, 0
	}
	parse := func(s string) time.Duration {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return time.Duration(n) * time.Millisecond
	}
	serverSend, serverWant := parse(sx), parse(sy)
	if serverWant > 0 {
		send = max(local, serverWant)
	}
	if serverSend > 0 {
		recv = max(local, serverSend)
	}
	return send, recv
}

// Subscribe registers handler for destination and sends SUBSCRIBE. The
// handler is installed before the frame is written so no early MESSAGE is
// lost.
func (c *Conn) Subscribe(destination string, handler Handler) (*Subscription, error) {
	sub := &Subscription{
		id:          "sub-" + uuid.NewString(),
		destination: destination,
		handler:     handler,
		conn:        c,
	}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	err := c.write(NewFrame(CmdSubscribe,
		"id", sub.id,
		"destination", destination,
		"ack", "auto",
	))
	if err != nil {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return sub, nil
}

// Send publishes body to destination.
func (c *Conn) Send(destination, contentType string, body []byte) error {
	f := NewFrame(CmdSend, "destination", destination)
	if contentType != "" {
		f.Set("content-type", contentType)
	}
	f.Body = body
	return c.write(f)
}

// Done is closed once the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is ErrClosed after Close and nil
// while the connection is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends DISCONNECT and closes the socket.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.write(NewFrame(CmdDisconnect))
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.fail(ErrClosed)
	return nil
}

func (c *Conn) write(f *Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, f.Encode()); err != nil {
		return fmt.Errorf("stomp write %s: %w", f.Command, err)
	}
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.subs = make(map[string]*Subscription)
		c.mu.Unlock()
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = io.EOF
			}
			c.fail(err)
			return
		}
		if c.readWait > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.readWait))
		}

		f, err := Decode(data)
		if err != nil {
			c.logger.Warn("stomp: dropping undecodable frame", "err", err)
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case CmdMessage:
			c.mu.Lock()
			sub := c.subs[f.Get("subscription")]
			c.mu.Unlock()
			if sub == nil {
				c.logger.Debug("stomp: message for unknown subscription", "subscription", f.Get("subscription"), "destination", f.Destination())
				continue
			}
			sub.handler(f)
		case CmdError:
			c.fail(&ProtocolError{Message: f.Get("message"), Body: string(f.Body)})
			return
		case CmdReceipt:
			c.logger.Debug("stomp: receipt", "id", f.Get("receipt-id"))
		default:
			c.logger.Debug("stomp: ignoring frame", "command", f.Command)
		}
	}
}

func (c *Conn) heartBeatLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.TextMessage, []byte("\n"))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}
