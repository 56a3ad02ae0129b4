package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

const (
	valueHandle uint32 = 1
	trendHandle uint32 = 2
)

// Config captures the runtime details required to open an OPC UA session
// against a server that exposes the glucose service as variables.
type Config struct {
	Endpoint          string        `yaml:"endpoint"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SecurityMode      string        `yaml:"security_mode"`
	SecurityPolicy    string        `yaml:"security_policy"`
	ApplicationName   string        `yaml:"application_name"`
	Namespace         uint16        `yaml:"namespace"`
	ValueNode         string        `yaml:"value_node"`
	TrendNode         string        `yaml:"trend_node"`
	PublishInterval   time.Duration `yaml:"publish_interval"`
	SamplingInterval  time.Duration `yaml:"sampling_interval"`
	StatePollInterval time.Duration `yaml:"state_poll_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "GlucoBridge"
	}
	if c.Namespace == 0 {
		c.Namespace = 2
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Second
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	if c.StatePollInterval <= 0 {
		c.StatePollInterval = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "opc.tcp://") {
		return fmt.Errorf("endpoint %q must use opc.tcp://", c.Endpoint)
	}
	for _, id := range []string{c.ValueNode, c.TrendNode} {
		if id == "" {
			continue
		}
		if _, err := ua.ParseNodeID(id); err != nil {
			return fmt.Errorf("parse node id %q: %w", id, err)
		}
	}
	return nil
}

// nodes resolves the monitored node ids for target. Unset ids are derived
// from the component name: ns=<n>;s=<component>.Value and .Trend.
func (c *Config) nodes(target domain.TargetIdentity) (value, trend string) {
	value, trend = c.ValueNode, c.TrendNode
	if value == "" {
		value = fmt.Sprintf("ns=%d;s=%s.Value", c.Namespace, target.Component)
	}
	if trend == "" {
		trend = fmt.Sprintf("ns=%d;s=%s.Trend", c.Namespace, target.Component)
	}
	return value, trend
}

// Transport treats an OPC UA session as the binding and a subscription on
// the value node as the registered callback.
type Transport struct {
	cfg Config

	mu   sync.Mutex
	sess *session
}

func NewTransport(cfg Config) (*Transport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg}, nil
}

func (t *Transport) Name() string { return "opcua" }

// Bind opens the session in the background and returns immediately.
func (t *Transport) Bind(target domain.TargetIdentity, l ports.TransportListener) error {
	valueID, trendID := t.cfg.nodes(target)
	valueNode, err := ua.ParseNodeID(valueID)
	if err != nil {
		return fmt.Errorf("parse node id %q: %w", valueID, err)
	}
	trendNode, err := ua.ParseNodeID(trendID)
	if err != nil {
		return fmt.Errorf("parse node id %q: %w", trendID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != nil {
		return errors.New("opcua transport already bound")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		cfg:       t.cfg,
		listener:  l,
		ctx:       ctx,
		cancel:    cancel,
		valueNode: valueNode,
		trendNode: trendNode,
	}
	t.sess = s
	go s.run()
	return nil
}

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
	cfg       Config
	listener  ports.TransportListener
	ctx       context.Context
	cancel    context.CancelFunc
	valueNode *ua.NodeID
	trendNode *ua.NodeID

	mu       sync.Mutex
	client   *opcua.Client
	closed   bool
	notified bool
	sub      *opcua.Subscription
	subStop  context.CancelFunc
	wg       sync.WaitGroup
}

func (s *session) run() {
	client, err := opcua.NewClient(s.cfg.Endpoint, s.clientOptions()...)
	if err != nil {
		s.notifyDisconnected(fmt.Errorf("opcua new client: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		s.notifyDisconnected(fmt.Errorf("opcua connect: %w", err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = client.Close(context.Background())
		return
	}
	s.client = client
	s.mu.Unlock()

	go s.watch(client)
	s.listener.OnConnected(&endpoint{s: s})
}

// watch reports the first time the session leaves the Connected state.
func (s *session) watch(client *opcua.Client) {
	ticker := time.NewTicker(s.cfg.StatePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if st := client.State(); st != opcua.Connected {
				s.notifyDisconnected(fmt.Errorf("opcua session state %v", st))
				return
			}
		}
	}
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

func (s *session) subscribe(cb ports.ReadingCallback) error {
	s.mu.Lock()
	if s.closed || s.notified || s.client == nil {
		s.mu.Unlock()
		return ports.ErrNotConnected
	}
	if s.sub != nil {
		s.mu.Unlock()
		return ports.ErrAlreadyRegistered
	}
	client := s.client
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: s.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	reqs := []*ua.MonitoredItemCreateRequest{
		opcua.NewMonitoredItemCreateRequestWithDefaults(s.valueNode, ua.AttributeIDValue, valueHandle),
		opcua.NewMonitoredItemCreateRequestWithDefaults(s.trendNode, ua.AttributeIDValue, trendHandle),
	}
	if s.cfg.SamplingInterval > 0 {
		for _, req := range reqs {
			req.RequestedParameters.SamplingInterval = float64(s.cfg.SamplingInterval / time.Millisecond)
		}
	}
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, reqs...)
	if err != nil {
		_ = sub.Cancel(ctx)
		return fmt.Errorf("monitor %s: %w", s.valueNode, err)
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
		_ = sub.Cancel(ctx)
		return fmt.Errorf("monitor %s rejected", s.valueNode)
	}
	// The trend node is optional; readings simply carry no trend without it.

	consumeCtx, stop := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.closed || s.sub != nil {
		s.mu.Unlock()
		stop()
		_ = sub.Cancel(ctx)
		if s.closed {
			return ports.ErrNotConnected
		}
		return ports.ErrAlreadyRegistered
	}
	s.sub = sub
	s.subStop = stop
	s.wg.Add(1)
	s.mu.Unlock()

	m := &monitor{cb: cb}
	go s.consume(consumeCtx, notifyCh, m)
	return nil
}

func (s *session) unsubscribe() error {
	s.mu.Lock()
	sub, stop := s.sub, s.subStop
	s.sub, s.subStop = nil, nil
	s.mu.Unlock()
	if sub == nil {
		return errors.New("no callback registered")
	}
	stop()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := sub.Cancel(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("opcua cancel subscription: %w", err)
	}
	return nil
}

func (s *session) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, m *monitor) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil || notif.Error != nil {
				continue
			}
			if data, ok := notif.Value.(*ua.DataChangeNotification); ok {
				m.handle(data)
			}
		}
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	client, sub, stop := s.client, s.sub, s.subStop
	s.sub, s.subStop, s.client = nil, nil, nil
	s.mu.Unlock()

	s.cancel()
	if stop != nil {
		stop()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	return err
}

func (s *session) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(s.cfg.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		// The supervisor owns reconnects.
		opcua.AutoReconnect(false),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

type endpoint struct {
	s *session
}

func (e *endpoint) RegisterCallback(cb ports.ReadingCallback) error { return e.s.subscribe(cb) }

func (e *endpoint) UnregisterCallback(ports.ReadingCallback) error { return e.s.unsubscribe() }

// monitor turns data change notifications into payloads. The latest trend
// value is attached to each subsequent glucose value.
type monitor struct {
	cb    ports.ReadingCallback
	trend *string
}

func (m *monitor) handle(data *ua.DataChangeNotification) {
	for _, item := range data.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		switch item.ClientHandle {
		case trendHandle:
			if item.Value.Value == nil {
				continue
			}
			trend := fmt.Sprint(item.Value.Value.Value())
			m.trend = &trend
		case valueHandle:
			m.cb.OnNewReading(m.payload(item.Value))
		}
	}
}

func (m *monitor) payload(dv *ua.DataValue) *ports.RawPayload {
	p := &ports.RawPayload{Trend: m.trend}
	if v, ok := variantToFloat(dv.Value); ok {
		p.Value = &v
	}
	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = dv.ServerTimestamp
	}
	if !ts.IsZero() {
		p.Timestamp = &ts
	}
	return p
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var (
	_ ports.BindingTransport = (*Transport)(nil)
	_ ports.RemoteEndpoint   = (*endpoint)(nil)
)
