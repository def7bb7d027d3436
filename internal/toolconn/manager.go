// Package toolconn manages the single logical session to the remote
// security-tool provider. The wire protocol is newline-delimited JSON-RPC
// 2.0 over TCP; the manager owns the connection state machine, reconnects
// with exponential backoff, and multiplexes concurrent invocations over the
// one session by request ID.
package toolconn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the connection lifecycle state. It is owned exclusively by the
// Manager; callers observe it through Invoke results and Status.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
)

// Config holds connection settings for the Manager.
type Config struct {
	Addr      string // host:port of the tool provider
	AuthToken string // pre-shared token presented on every session establishment

	DialTimeout   time.Duration // default 10s
	BackoffBase   time.Duration // default 1s
	BackoffCap    time.Duration // default 60s
	ProbeInterval time.Duration // health probe period, default 30s
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
}

// Status is a point-in-time view of the connection for the status API.
type Status struct {
	State       State     `json:"state"`
	Addr        string    `json:"addr"`
	Attempts    int       `json:"connection_attempts"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// session is one established connection. Created by the supervisor, torn
// down by the read loop on any transport error.
type session struct {
	conn net.Conn
	// r is the single buffered reader for the connection, shared by the
	// handshake and the read loop so no buffered bytes are lost.
	r      *bufio.Reader
	wMu    sync.Mutex // serializes writes to conn
	enc    *json.Encoder
	pMu    sync.Mutex
	nextID uint64
	pend   map[uint64]chan *rpcResponse
	closed chan struct{}
	once   sync.Once
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:   conn,
		r:      bufio.NewReaderSize(conn, 1<<20),
		enc:    json.NewEncoder(conn),
		pend:   make(map[uint64]chan *rpcResponse),
		closed: make(chan struct{}),
	}
}

func (s *session) register() (uint64, chan *rpcResponse) {
	s.pMu.Lock()
	defer s.pMu.Unlock()
	s.nextID++
	ch := make(chan *rpcResponse, 1)
	s.pend[s.nextID] = ch
	return s.nextID, ch
}

func (s *session) deregister(id uint64) {
	s.pMu.Lock()
	delete(s.pend, id)
	s.pMu.Unlock()
}

func (s *session) deliver(resp *rpcResponse) {
	s.pMu.Lock()
	ch, ok := s.pend[resp.ID]
	if ok {
		delete(s.pend, resp.ID)
	}
	s.pMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (s *session) send(req rpcRequest) error {
	s.wMu.Lock()
	defer s.wMu.Unlock()
	return s.enc.Encode(req)
}

// close tears the session down exactly once. Pending callers observe the
// closed channel and fail with ErrNotConnected.
func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Manager owns the session and its lifecycle.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	// dial is swapped in tests to connect to an in-process fake provider.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu          sync.Mutex
	state       State
	sess        *session
	attempts    int
	connectedAt time.Time
	lastErr     error

	wake chan struct{} // prods the supervisor out of its idle wait
}

// NewManager creates a Manager in the disconnected state. Run must be
// started for connections to be established.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
		wake:   make(chan struct{}, 1),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Run is the supervising loop: it establishes the session, restarts it with
// exponential backoff after transport failures, and drives the periodic
// health probe. It returns when ctx is cancelled, or with ErrAuth when the
// provider rejects the pre-shared token — that is a configuration error, not
// a transient fault, and is never retried.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.BackoffBase

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, err := m.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				m.logger.Error("tool provider authentication rejected; check the configured token",
					zap.String("addr", m.cfg.Addr))
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := jitter(backoff)
			m.logger.Warn("tool provider connect failed",
				zap.String("addr", m.cfg.Addr),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			select {
			case <-time.After(delay):
			case <-m.wake:
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > m.cfg.BackoffCap {
				backoff = m.cfg.BackoffCap
			}
			continue
		}

		backoff = m.cfg.BackoffBase
		m.logger.Info("tool provider connected", zap.String("addr", m.cfg.Addr))

		m.probeLoop(ctx, sess)

		// probeLoop returns when the session died or ctx was cancelled.
		select {
		case <-ctx.Done():
			sess.close()
			m.setState(StateDisconnected)
			return ctx.Err()
		default:
		}
	}
}

// connect dials, performs the authenticated initialize handshake, and starts
// the read loop. On success the manager is in StateConnected.
func (m *Manager) connect(ctx context.Context) (*session, error) {
	m.mu.Lock()
	m.state = StateConnecting
	m.attempts++
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dial(dialCtx, m.cfg.Addr)
	cancel()
	if err != nil {
		m.fail(fmt.Errorf("dial %s: %w", m.cfg.Addr, err))
		return nil, err
	}

	sess := newSession(conn)

	// Handshake is synchronous: one request, one response, before the read
	// loop takes over the connection.
	if err := m.handshake(sess); err != nil {
		sess.close()
		m.fail(err)
		return nil, err
	}

	go m.readLoop(sess)

	m.mu.Lock()
	m.state = StateConnected
	m.sess = sess
	m.connectedAt = time.Now().UTC()
	m.lastErr = nil
	m.mu.Unlock()
	return sess, nil
}

// handshake sends initialize with the pre-shared token and interprets the
// provider's verdict. An unauthorized error code maps to ErrAuth.
func (m *Manager) handshake(sess *session) error {
	id, _ := sess.register()
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"clientInfo":      map[string]any{"name": "autoshield-brain", "version": "1.0"},
			"token":           m.cfg.AuthToken,
		},
	}
	if err := sess.send(req); err != nil {
		return fmt.Errorf("send initialize: %w", err)
	}

	deadline := time.Now().Add(m.cfg.DialTimeout)
	if err := sess.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	defer sess.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	line, err := sess.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read initialize response: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode initialize response: %w", err)
	}
	if resp.Error != nil {
		if resp.Error.Code == codeUnauthorized {
			return fmt.Errorf("%w: %s", ErrAuth, resp.Error.Message)
		}
		return fmt.Errorf("initialize rejected: %s", resp.Error.Message)
	}
	sess.deregister(id)
	return nil
}

// readLoop pumps responses off the wire and dispatches them to waiting
// callers. Any transport error tears the session down and flips the manager
// back to disconnected, waking the supervisor.
func (m *Manager) readLoop(sess *session) {
	for {
		line, err := sess.r.ReadBytes('\n')
		if err != nil {
			m.logger.Warn("tool provider connection lost", zap.Error(err))
			break
		}
		if len(line) <= 1 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			m.logger.Warn("tool provider sent malformed frame", zap.Error(err))
			continue
		}
		sess.deliver(&resp)
	}
	sess.close()

	m.mu.Lock()
	if m.sess == sess {
		m.sess = nil
		m.state = StateDisconnected
		if m.lastErr == nil {
			m.lastErr = errors.New("connection lost")
		}
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// probeLoop periodically pings the provider while the session lives. A probe
// failure or an unhealthy report degrades the state without tearing the
// session down; a later healthy probe restores it.
func (m *Manager) probeLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := m.probe(ctx, sess)
			m.mu.Lock()
			if m.sess == sess {
				if healthy {
					m.state = StateConnected
				} else {
					m.state = StateDegraded
				}
			}
			m.mu.Unlock()
			if !healthy {
				m.logger.Warn("tool provider health probe failed; session degraded")
			}
		}
	}
}

// probe sends a ping and reports whether the provider answered healthy.
func (m *Manager) probe(ctx context.Context, sess *session) bool {
	id, ch := sess.register()
	defer sess.deregister(id)

	if err := sess.send(rpcRequest{JSONRPC: "2.0", ID: id, Method: "ping"}); err != nil {
		return false
	}

	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return false
		}
		// Providers may report degraded health in the ping result.
		var body struct {
			Status string `json:"status"`
		}
		if len(resp.Result) > 0 {
			_ = json.Unmarshal(resp.Result, &body)
		}
		return body.Status == "" || body.Status == "ok"
	case <-timer.C:
		return false
	case <-sess.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// Invoke runs one tool call against the provider. It fails fast with
// ErrNotConnected when no session is up, honors the call timeout (and ctx)
// independent of the connection lifecycle, and always returns an
// InvocationResult for the audit trail, even on failure.
func (m *Manager) Invoke(ctx context.Context, call Call) (*InvocationResult, error) {
	start := time.Now()
	res := &InvocationResult{Tool: call.Tool}

	fail := func(err error) (*InvocationResult, error) {
		res.Success = false
		res.Err = err.Error()
		res.Duration = time.Since(start)
		return res, err
	}

	if err := call.validate(); err != nil {
		return fail(err)
	}

	m.mu.Lock()
	sess := m.sess
	state := m.state
	m.mu.Unlock()

	if sess == nil || (state != StateConnected && state != StateDegraded) {
		return fail(ErrNotConnected)
	}
	res.Degraded = state == StateDegraded

	id, ch := sess.register()
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/call",
		Params: map[string]any{
			"name":      string(call.Tool),
			"arguments": call.Args,
		},
	}
	if err := sess.send(req); err != nil {
		sess.deregister(id)
		return fail(fmt.Errorf("%w: %v", ErrNotConnected, err))
	}

	timer := time.NewTimer(call.Timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fail(fmt.Errorf("%w: %s", ErrRemote, resp.Error.Message))
		}
		var body toolCallResult
		if err := json.Unmarshal(resp.Result, &body); err != nil {
			return fail(fmt.Errorf("%w: malformed result: %v", ErrRemote, err))
		}
		text := ""
		if len(body.Content) > 0 {
			text = body.Content[0].Text
		}
		if body.IsError {
			return fail(fmt.Errorf("%w: %s", ErrRemote, text))
		}
		res.Success = true
		res.Payload = text
		res.Duration = time.Since(start)
		return res, nil

	case <-timer.C:
		sess.deregister(id)
		// A timed-out invocation does not, by itself, force reconnection.
		return fail(fmt.Errorf("%w after %s", ErrTimeout, call.Timeout))

	case <-ctx.Done():
		sess.deregister(id)
		return fail(fmt.Errorf("%w: %v", ErrTimeout, ctx.Err()))

	case <-sess.closed:
		sess.deregister(id)
		return fail(ErrNotConnected)
	}
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:       m.state,
		Addr:        m.cfg.Addr,
		Attempts:    m.attempts,
		ConnectedAt: m.connectedAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Close tears down the current session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = StateDisconnected
	m.lastErr = err
	m.mu.Unlock()
}

// jitter spreads a backoff delay by ±20% so reconnecting clients do not
// stampede the provider in lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64() //nolint:gosec
	return time.Duration(float64(d) * f)
}
