package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/callbacks"
	"github.com/mikeyg42/xrstream/internal/metrics"
	"github.com/mikeyg42/xrstream/internal/protocol"
)

// PeerState is the negotiation state of one peer connection.
type PeerState int

const (
	StateCreated PeerState = iota
	StateNegotiating
	StateConnected
	StateDetaching
	StateRemoved
)

func (s PeerState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateDetaching:
		return "DETACHING"
	case StateRemoved:
		return "REMOVED"
	}
	return fmt.Sprintf("PeerState(%d)", int(s))
}

const (
	DefaultNegotiationTimeout = 5 * time.Second
	DefaultKeepAliveInterval  = 3 * time.Second
	DefaultKeepAliveText      = "Hi! from xrstream server"
	EndpointNamePrefix        = "webrtcbin_"

	eventQueueSize = 256
)

var (
	ErrManagerStopped = errors.New("rtcManager: manager stopped")
)

type Config struct {
	NegotiationTimeout time.Duration
	KeepAliveInterval  time.Duration
	KeepAliveText      string
	HealthInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: DefaultNegotiationTimeout,
		KeepAliveInterval:  DefaultKeepAliveInterval,
		KeepAliveText:      DefaultKeepAliveText,
		HealthInterval:     defaultHealthInterval,
	}
}

// PeerInfo is a snapshot of one live or draining peer.
type PeerInfo struct {
	ID       string        `json:"id"`
	Endpoint string        `json:"endpoint"`
	State    string        `json:"state"`
	Since    time.Time     `json:"since"`
	DataOpen bool          `json:"data_channel_open"`
	Health   *HealthSample `json:"health,omitempty"`
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l.Named("rtc") }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithCallbacks routes tracking and peer lifecycle events to c.
func WithCallbacks(c *callbacks.Collection) Option {
	return func(m *Manager) { m.callbacks = c }
}

// WithKeyframeRequester is called when a peer connects or asks for a picture refresh.
func WithKeyframeRequester(fn func()) Option {
	return func(m *Manager) { m.requestKeyframe = fn }
}

// WithStateObserver is called on the event loop after every state transition.
func WithStateObserver(fn func(peerID string, s PeerState)) Option {
	return func(m *Manager) { m.observer = fn }
}

// Manager owns every peer connection. All state lives on the goroutine running Run; the
// exported methods only post events to it.
type Manager struct {
	cfg       Config
	factory   EndpointFactory
	bridge    Bridge
	fanout    FanOut
	logger    *zap.Logger
	metrics   *metrics.Metrics
	callbacks *callbacks.Collection

	requestKeyframe func()
	observer        func(string, PeerState)

	events chan event
	done   chan struct{}

	// owned by the event loop
	peers    map[string]*peer
	draining map[string]*peer
	nextGen  uint64
	closers  sync.WaitGroup
}

type peer struct {
	id     string
	gen    uint64
	state  PeerState
	since  time.Time
	joined time.Time

	ep       Endpoint
	attached bool
	applying bool
	dataOpen bool

	// ctx scopes every goroutine working for this peer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopKeepAlive context.CancelFunc
	doctor        *ConnectionDoctor
}

type eventKind int

const (
	evJoin eventKind = iota
	evLeave
	evAnswer
	evCandidate
	evAnswerApplied
	evDataOpen
	evDataClose
	evDataError
	evDataMessage
	evTransport
	evKeyframe
	evClosed
	evPeers
)

type event struct {
	kind   eventKind
	peerID string
	// gen is 0 for signaling events, which address whatever peer currently owns the id
	gen uint64

	sdp      string
	cand     protocol.Candidate
	data     []byte
	isString bool
	err      error
	state    TransportState
	reply    chan []PeerInfo
}

func NewManager(cfg Config, factory EndpointFactory, bridge Bridge, fanout FanOut, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("endpoint factory cannot be nil")
	}
	if bridge == nil {
		return nil, fmt.Errorf("signaling bridge cannot be nil")
	}
	if fanout == nil {
		return nil, fmt.Errorf("fan-out cannot be nil")
	}
	def := DefaultConfig()
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.KeepAliveText == "" {
		cfg.KeepAliveText = def.KeepAliveText
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}

	m := &Manager{
		cfg:      cfg,
		factory:  factory,
		bridge:   bridge,
		fanout:   fanout,
		logger:   zap.NewNop(),
		events:   make(chan event, eventQueueSize),
		done:     make(chan struct{}),
		peers:    make(map[string]*peer),
		draining: make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	if m.callbacks == nil {
		m.callbacks = callbacks.New()
	}
	return m, nil
}

// Join starts a connection to a newly announced peer.
func (m *Manager) Join(peerID string) { m.post(event{kind: evJoin, peerID: peerID}) }

// Leave tears the peer down. Leaving an unknown or removed peer does nothing.
func (m *Manager) Leave(peerID string) { m.post(event{kind: evLeave, peerID: peerID}) }

func (m *Manager) Answer(peerID, sdp string) {
	m.post(event{kind: evAnswer, peerID: peerID, sdp: sdp})
}

func (m *Manager) Candidate(peerID string, c protocol.Candidate) {
	m.post(event{kind: evCandidate, peerID: peerID, cand: c})
}

// Peers returns live and draining peers ordered by id.
func (m *Manager) Peers(ctx context.Context) ([]PeerInfo, error) {
	reply := make(chan []PeerInfo, 1)
	select {
	case m.events <- event{kind: evPeers, reply: reply}:
	case <-m.done:
		return nil, ErrManagerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-m.done:
		return nil, ErrManagerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Run drives the state machine until ctx is done, then tears every peer down and waits
// for their endpoints to close.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("connection manager started",
		zap.Duration("negotiation_timeout", m.cfg.NegotiationTimeout),
		zap.Duration("keepalive", m.cfg.KeepAliveInterval))

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) shutdown() {
	for _, p := range m.peers {
		m.teardown(p, "shutdown")
	}
	close(m.done)
	m.closers.Wait()
	m.logger.Info("connection manager stopped")
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evJoin:
		m.handleJoin(ev.peerID)
		return
	case evPeers:
		ev.reply <- m.snapshot()
		return
	case evClosed:
		m.handleClosed(ev)
		return
	}

	p := m.lookup(ev)
	if p == nil {
		switch ev.kind {
		case evLeave:
			m.logger.Debug("leave for unknown peer ignored", zap.String("peer", ev.peerID))
		case evCandidate:
			m.logger.Debug("candidate for unknown peer dropped", zap.String("peer", ev.peerID))
		case evAnswer:
			m.logger.Warn("answer for unknown peer dropped", zap.String("peer", ev.peerID))
		}
		return
	}

	switch ev.kind {
	case evLeave:
		m.teardown(p, "leave")
	case evAnswer:
		m.handleAnswer(p, ev.sdp)
	case evAnswerApplied:
		m.handleAnswerApplied(p, ev.err)
	case evCandidate:
		m.handleCandidate(p, ev.cand)
	case evDataOpen:
		m.handleDataOpen(p)
	case evDataClose:
		m.handleDataClose(p)
	case evDataError:
		m.logger.Warn("data channel error", zap.String("peer", p.id), zap.Error(ev.err))
	case evDataMessage:
		m.handleDataMessage(p, ev.data, ev.isString)
	case evTransport:
		m.handleTransport(p, ev.state)
	case evKeyframe:
		if m.requestKeyframe != nil {
			m.requestKeyframe()
		}
	}
}

func (m *Manager) lookup(ev event) *peer {
	p, ok := m.peers[ev.peerID]
	if !ok {
		return nil
	}
	if ev.gen != 0 && ev.gen != p.gen {
		// callback from an endpoint that has since been replaced
		return nil
	}
	return p
}

func (m *Manager) setState(p *peer, s PeerState) {
	from := p.state
	p.state = s
	p.since = time.Now()
	m.logger.Debug("peer state",
		zap.String("peer", p.id),
		zap.Stringer("from", from),
		zap.Stringer("to", s))
	if m.observer != nil {
		m.observer(p.id, s)
	}
}

//----------------------
// JOIN

func (m *Manager) handleJoin(peerID string) {
	if peerID == "" {
		m.logger.Warn("join without peer id ignored")
		return
	}
	if _, ok := m.peers[peerID]; ok {
		m.logger.Warn("join for live peer ignored", zap.String("peer", peerID))
		return
	}
	if _, ok := m.draining[peerID]; ok {
		m.logger.Warn("join for draining peer ignored", zap.String("peer", peerID))
		return
	}

	m.nextGen++
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	p := &peer{
		id:     peerID,
		gen:    m.nextGen,
		state:  StateCreated,
		since:  now,
		joined: now,
		ctx:    ctx,
		cancel: cancel,
	}
	m.peers[peerID] = p
	m.metrics.PeerJoins.Inc()
	if m.observer != nil {
		m.observer(peerID, StateCreated)
	}

	name := EndpointNamePrefix + peerID
	ep, err := m.factory.NewEndpoint(name, m.endpointCallbacks(p))
	if err != nil {
		m.failNegotiation(p, "endpoint", err)
		return
	}
	p.ep = ep

	if err := ep.CreateDataChannel(protocol.DataChannelLabel); err != nil {
		m.failNegotiation(p, "datachannel", err)
		return
	}

	m.setState(p, StateNegotiating)
	offer, err := ep.CreateOffer()
	if err != nil {
		m.failNegotiation(p, "offer", err)
		return
	}
	if err := m.bridge.SendOffer(peerID, offer); err != nil {
		m.failNegotiation(p, "signaling", err)
		return
	}

	// the local description is set, media may flow
	if err := m.fanout.Attach(peerID, ep.Sink()); err != nil {
		m.failNegotiation(p, "attach", err)
		return
	}
	p.attached = true

	m.logger.Info("offer sent", zap.String("peer", peerID), zap.String("endpoint", name))
}

// endpointCallbacks posts endpoint activity back to the loop, tagged with the peer's
// generation so a late callback cannot touch a successor with the same id.
func (m *Manager) endpointCallbacks(p *peer) EndpointCallbacks {
	id, gen := p.id, p.gen
	return EndpointCallbacks{
		OnCandidate: func(c protocol.Candidate) {
			// the bridge is safe for concurrent use, no need to round-trip the loop
			if err := m.bridge.SendCandidate(id, c); err != nil {
				m.logger.Debug("failed to send candidate", zap.String("peer", id), zap.Error(err))
			}
		},
		OnDataChannelOpen: func() {
			m.post(event{kind: evDataOpen, peerID: id, gen: gen})
		},
		OnDataChannelClose: func() {
			m.post(event{kind: evDataClose, peerID: id, gen: gen})
		},
		OnDataChannelError: func(err error) {
			m.post(event{kind: evDataError, peerID: id, gen: gen, err: err})
		},
		OnDataChannelMessage: func(data []byte, isString bool) {
			m.post(event{kind: evDataMessage, peerID: id, gen: gen, data: data, isString: isString})
		},
		OnStateChange: func(s TransportState) {
			m.post(event{kind: evTransport, peerID: id, gen: gen, state: s})
		},
		OnKeyframeRequest: func() {
			m.post(event{kind: evKeyframe, peerID: id, gen: gen})
		},
	}
}

//----------------------
// NEGOTIATION

func (m *Manager) handleAnswer(p *peer, sdp string) {
	if p.state != StateNegotiating || p.applying {
		m.logger.Warn("unexpected answer ignored",
			zap.String("peer", p.id),
			zap.Stringer("state", p.state),
			zap.Bool("applying", p.applying))
		return
	}

	info, err := validateAnswer(sdp)
	if err != nil {
		m.failNegotiation(p, "answer", err)
		return
	}
	if info.ExtensionID == 0 {
		m.logger.Warn("answer does not negotiate the metadata extension, peer will get video only",
			zap.String("peer", p.id))
	} else if info.ExtensionID != int(protocol.ExtensionID) {
		m.logger.Warn("answer maps the metadata extension to another id",
			zap.String("peer", p.id),
			zap.Int("id", info.ExtensionID),
			zap.Uint8("expected", protocol.ExtensionID))
	}
	if !info.HasDataChannel {
		m.logger.Warn("answer has no data channel section", zap.String("peer", p.id))
	}

	p.applying = true
	ep, id, gen := p.ep, p.id, p.gen
	timeout := m.cfg.NegotiationTimeout

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()

		errc := make(chan error, 1)
		go func() { errc <- ep.SetRemoteAnswer(ctx, sdp) }()

		var err error
		select {
		case err = <-errc:
		case <-ctx.Done():
			err = fmt.Errorf("apply remote description: %w", ctx.Err())
		}
		m.post(event{kind: evAnswerApplied, peerID: id, gen: gen, err: err})
	}()
}

func (m *Manager) handleAnswerApplied(p *peer, err error) {
	p.applying = false
	if p.state != StateNegotiating {
		return
	}
	if err != nil {
		stage := "answer"
		if errors.Is(err, context.DeadlineExceeded) {
			stage = "timeout"
		}
		m.failNegotiation(p, stage, err)
		return
	}

	m.setState(p, StateConnected)
	m.metrics.PeersConnected.Inc()
	m.metrics.NegotiationDuration.Observe(time.Since(p.joined).Seconds())

	p.doctor = newConnectionDoctor(p.id, p.ep, m.cfg.HealthInterval, m.logger)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.doctor.run(p.ctx)
	}()

	m.logger.Info("peer connected",
		zap.String("peer", p.id),
		zap.Duration("negotiation", time.Since(p.joined)))
	m.callbacks.Call(callbacks.Event{Kind: callbacks.EventPeerConnected, PeerID: p.id})

	// a new peer cannot decode anything before the next IDR
	if m.requestKeyframe != nil {
		m.requestKeyframe()
	}
}

func (m *Manager) handleCandidate(p *peer, c protocol.Candidate) {
	if c.Candidate == "" {
		m.logger.Debug("empty candidate dropped", zap.String("peer", p.id))
		return
	}
	if p.ep == nil {
		return
	}
	if err := p.ep.AddCandidate(c); err != nil {
		m.logger.Warn("failed to add candidate", zap.String("peer", p.id), zap.Error(err))
	}
}

func (m *Manager) failNegotiation(p *peer, stage string, err error) {
	m.logger.Error("peer negotiation failed",
		zap.String("peer", p.id),
		zap.String("stage", stage),
		zap.Error(err))
	m.metrics.NegotiationFailures.WithLabelValues(stage).Inc()
	m.teardown(p, stage)
}

//----------------------
// CONNECTED

func (m *Manager) handleDataOpen(p *peer) {
	if p.dataOpen {
		return
	}
	p.dataOpen = true
	m.logger.Info("data channel open", zap.String("peer", p.id))

	ctx, cancel := context.WithCancel(p.ctx)
	p.stopKeepAlive = cancel
	ep, id := p.ep, p.id
	interval, text := m.cfg.KeepAliveInterval, m.cfg.KeepAliveText

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ep.SendText(text); err != nil {
					m.logger.Debug("keep-alive send failed", zap.String("peer", id), zap.Error(err))
				}
			}
		}
	}()
}

func (m *Manager) handleDataClose(p *peer) {
	if !p.dataOpen {
		return
	}
	p.dataOpen = false
	if p.stopKeepAlive != nil {
		p.stopKeepAlive()
	}
	m.logger.Info("data channel closed", zap.String("peer", p.id))
}

func (m *Manager) handleDataMessage(p *peer, data []byte, isString bool) {
	if isString {
		m.logger.Debug("data channel text", zap.String("peer", p.id), zap.ByteString("text", data))
		return
	}

	up, err := protocol.UnmarshalUpMessage(data)
	if err != nil {
		m.metrics.UpMessagesMalformed.Inc()
		m.logger.Warn("malformed up message dropped",
			zap.String("peer", p.id),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return
	}

	if up.Tracking == nil {
		m.metrics.UpMessages.WithLabelValues("unknown").Inc()
		m.logger.Debug("up message without a known payload",
			zap.String("peer", p.id),
			zap.Int64("id", up.UpMessageID))
		return
	}
	m.metrics.UpMessages.WithLabelValues("tracking").Inc()
	m.callbacks.Call(callbacks.Event{Kind: callbacks.EventTracking, PeerID: p.id, Up: up})
}

func (m *Manager) handleTransport(p *peer, s TransportState) {
	m.logger.Debug("transport state", zap.String("peer", p.id), zap.Stringer("state", s))
	switch s {
	case TransportFailed, TransportClosed:
		if p.state == StateNegotiating {
			m.failNegotiation(p, "transport", fmt.Errorf("transport %s", s))
			return
		}
		m.logger.Warn("transport lost", zap.String("peer", p.id), zap.Stringer("state", s))
		m.teardown(p, "transport "+s.String())
	case TransportDisconnected:
		m.logger.Warn("transport disconnected, waiting for recovery", zap.String("peer", p.id))
	}
}

//----------------------
// TEARDOWN

// teardown blocks media delivery before the endpoint leaves the fan-out, then closes the
// endpoint off the loop. The id stays reserved until the close completes.
func (m *Manager) teardown(p *peer, reason string) {
	if p.state == StateDetaching || p.state == StateRemoved {
		return
	}
	wasConnected := p.state == StateConnected
	m.setState(p, StateDetaching)

	if p.attached {
		m.fanout.Block(p.id)
		st, _ := m.fanout.Remove(p.id)
		p.attached = false
		m.logger.Debug("detached from fan-out",
			zap.String("peer", p.id),
			zap.Int64("delivered", st.Delivered),
			zap.Int64("dropped", st.Dropped))
	}
	p.cancel()

	delete(m.peers, p.id)
	m.metrics.PeerLeaves.Inc()
	if wasConnected {
		m.metrics.PeersConnected.Dec()
		m.callbacks.Call(callbacks.Event{Kind: callbacks.EventPeerDisconnected, PeerID: p.id})
	}
	m.logger.Info("peer detached", zap.String("peer", p.id), zap.String("reason", reason))

	if p.ep == nil {
		m.setState(p, StateRemoved)
		return
	}

	m.draining[p.id] = p
	id, gen, ep := p.id, p.gen, p.ep
	m.closers.Add(1)
	go func() {
		defer m.closers.Done()
		p.wg.Wait()
		err := ep.Close()
		m.post(event{kind: evClosed, peerID: id, gen: gen, err: err})
	}()
}

func (m *Manager) handleClosed(ev event) {
	p, ok := m.draining[ev.peerID]
	if !ok || p.gen != ev.gen {
		return
	}
	delete(m.draining, ev.peerID)
	if ev.err != nil {
		m.logger.Warn("endpoint close failed", zap.String("peer", p.id), zap.Error(ev.err))
	}
	m.setState(p, StateRemoved)
}

func (m *Manager) snapshot() []PeerInfo {
	out := make([]PeerInfo, 0, len(m.peers)+len(m.draining))
	add := func(p *peer) {
		info := PeerInfo{
			ID:       p.id,
			State:    p.state.String(),
			Since:    p.since,
			DataOpen: p.dataOpen,
		}
		if p.ep != nil {
			info.Endpoint = p.ep.Name()
		}
		if p.doctor != nil {
			if s, ok := p.doctor.Latest(); ok {
				info.Health = &s
			}
		}
		out = append(out, info)
	}
	for _, p := range m.peers {
		add(p)
	}
	for _, p := range m.draining {
		add(p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
