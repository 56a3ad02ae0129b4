package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

// Config describes how to reach the companion process exposing the glucose
// service over a local WebSocket.
type Config struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = "ws://127.0.0.1:17580/bgdata"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}

// Transport binds to the companion over one WebSocket connection per bind.
// Register/unregister requests are answered by ack frames; readings are
// pushed as reading frames while a callback is registered.
type Transport struct {
	cfg          Config
	dialer       *websocket.Dialer
	onFrameError func(error)

	mu   sync.Mutex
	sess *session
}

// Option customizes a Transport.
type Option func(*Transport)

// WithFrameErrorHandler is called for every message from the companion that
// is not a decodable frame. Such messages are otherwise ignored.
func WithFrameErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		t.onFrameError = fn
	}
}

func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

func (t *Transport) Name() string { return "websocket" }

// Bind starts dialing in the background and returns immediately. The
// outcome is reported to l from the dialing goroutine.
func (t *Transport) Bind(target domain.TargetIdentity, l ports.TransportListener) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("package", target.Package)
	q.Set("component", target.Component)
	u.RawQuery = q.Encode()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != nil {
		return errors.New("websocket transport already bound")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		cfg:          t.cfg,
		onFrameError: t.onFrameError,
		listener:     l,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[string]chan error),
	}
	t.sess = s
	go s.run(t.dialer, u.String())
	return nil
}

// Unbind closes the connection. Listener calls already in flight may still
// complete; none are started afterwards.
func (t *Transport) Unbind() error {
	t.mu.Lock()
	s := t.sess
	t.sess = nil
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

type session struct {
	cfg          Config
	onFrameError func(error)
	listener     ports.TransportListener
	ctx          context.Context
	cancel       context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	notified bool
	cb       ports.ReadingCallback
	pending  map[string]chan error
}

func (s *session) run(dialer *websocket.Dialer, rawURL string) {
	conn, _, err := dialer.DialContext(s.ctx, rawURL, nil)
	if err != nil {
		s.notifyDisconnected(fmt.Errorf("dial %s: %w", rawURL, err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

	go s.readLoop(conn)
	go s.pingLoop(conn)

	if !s.isClosed() {
		s.listener.OnConnected(&endpoint{s: s})
	}
}

func (s *session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			s.fail(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.frameError(fmt.Errorf("decode frame: %w", err))
			continue
		}
		switch f.Type {
		case frameAck:
			s.resolve(f)
		case frameReading:
			s.mu.Lock()
			cb := s.cb
			s.mu.Unlock()
			if cb != nil {
				cb.OnNewReading(decodeReading(f.Reading))
			}
		default:
			s.frameError(fmt.Errorf("unknown frame type %q", f.Type))
		}
	}
}

func (s *session) frameError(err error) {
	if s.onFrameError != nil {
		s.onFrameError(err)
	}
}

func (s *session) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// request sends f and waits for the matching ack.
func (s *session) request(f frame) error {
	f.ID = uuid.NewString()
	ack := make(chan error, 1)

	s.mu.Lock()
	if s.closed || s.conn == nil {
		s.mu.Unlock()
		return ports.ErrNotConnected
	}
	conn := s.conn
	s.pending[f.ID] = ack
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	err := conn.WriteJSON(f)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(f.ID)
		return fmt.Errorf("write %s: %w", f.Type, err)
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		s.forget(f.ID)
		return fmt.Errorf("%s: no ack within %s", f.Type, s.cfg.RequestTimeout)
	}
}

func (s *session) resolve(f frame) {
	s.mu.Lock()
	ack, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if f.OK {
		ack <- nil
		return
	}
	msg := f.Error
	if msg == "" {
		msg = "rejected"
	}
	ack <- errors.New(msg)
}

func (s *session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// fail tears the session down after a read error and reports it once.
func (s *session) fail(err error) {
	s.mu.Lock()
	for id, ack := range s.pending {
		ack <- fmt.Errorf("%w: %v", ports.ErrNotConnected, err)
		delete(s.pending, id)
	}
	s.cb = nil
	s.conn = nil
	s.mu.Unlock()
	s.notifyDisconnected(err)
}

func (s *session) notifyDisconnected(err error) {
	s.mu.Lock()
	if s.closed || s.notified {
		s.mu.Unlock()
		return
	}
	s.notified = true
	s.mu.Unlock()
	s.listener.OnDisconnected(err)
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.cb = nil
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unbind"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

type endpoint struct {
	s *session
}

func (e *endpoint) RegisterCallback(cb ports.ReadingCallback) error {
	e.s.mu.Lock()
	if e.s.cb != nil {
		e.s.mu.Unlock()
		return ports.ErrAlreadyRegistered
	}
	// Route pushes to cb as soon as the companion may start sending them.
	e.s.cb = cb
	e.s.mu.Unlock()

	if err := e.s.request(frame{Type: frameRegister, Handle: cb.Handle()}); err != nil {
		e.s.mu.Lock()
		if e.s.cb == cb {
			e.s.cb = nil
		}
		e.s.mu.Unlock()
		return err
	}
	return nil
}

func (e *endpoint) UnregisterCallback(cb ports.ReadingCallback) error {
	e.s.mu.Lock()
	if e.s.cb == nil || e.s.cb.Handle() != cb.Handle() {
		e.s.mu.Unlock()
		return fmt.Errorf("callback %s is not registered", cb.Handle())
	}
	e.s.cb = nil
	e.s.mu.Unlock()
	return e.s.request(frame{Type: frameUnregister, Handle: cb.Handle()})
}

var (
	_ ports.BindingTransport = (*Transport)(nil)
	_ ports.RemoteEndpoint   = (*endpoint)(nil)
)
