package h2mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ShutdownMode selects how a connection is closed.
type ShutdownMode int32

const (
	// ShutdownGentle sends GOAWAY(NO_ERROR), stops admitting streams and lets active streams
	// finish within max(2.5 x latency, 1500ms).
	ShutdownGentle ShutdownMode = iota + 1
	// ShutdownImmediate closes the transport right away.
	ShutdownImmediate
)

func (m ShutdownMode) String() string {
	switch m {
	case ShutdownGentle:
		return "gentle"
	case ShutdownImmediate:
		return "immediate"
	default:
		return "none"
	}
}

type connState int

const (
	stateRunning connState = iota
	stateGentle
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateGentle:
		return "gentle"
	default:
		return "closed"
	}
}

const maxReadBatch = 64

// maxAdmissionStall bounds how long requests stay queued while SETTINGS_MAX_CONCURRENT_STREAMS is 0.
const maxAdmissionStall = 10 * time.Second

// inboundEvent is one batch of frames decoded by the reader, or the error that stopped it.
type inboundEvent struct {
	frames []Frame
	err    error
}

// Option configures a Connection.
type Option func(*Connection)

// WithResend installs the collaborator that takes over aborted requests. It is called from
// the writer goroutine and must not block.
func WithResend(fn func(req *Request) bool) Option {
	return func(c *Connection) { c.resend = fn }
}

// WithOnClose registers a callback run once the connection has fully stopped.
func WithOnClose(fn func(c *Connection, err error)) Option {
	return func(c *Connection) { c.onClose = fn }
}

// WithMetrics records connection and stream metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

// WithStreamFactory replaces the standard stream implementation.
func WithStreamFactory(f StreamFactory) Option {
	return func(c *Connection) { c.factory = f }
}

// WithBufferPool sets the pool frame payloads are checked out from.
func WithBufferPool(p *BufferPool) Option {
	return func(c *Connection) { c.pool = p }
}

// WithAuthority labels the connection's log lines with the origin it serves.
func WithAuthority(authority string) Option {
	return func(c *Connection) { c.authority = authority }
}

// Connection multiplexes requests over one transport. A reader goroutine decodes frames;
// a single writer goroutine owns every piece of protocol state.
type Connection struct {
	id        uuid.UUID
	authority string
	cfg       Config
	transport io.ReadWriteCloser
	bw        *bufio.Writer
	fr        *FrameReader
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *Metrics
	pool      *BufferPool
	factory   StreamFactory
	resend    func(req *Request) bool
	onClose   func(c *Connection, err error)

	// Owned by the writer goroutine
	local        *Settings
	remote       *Settings
	codec        *HPACKCodec
	localWindow  int64
	localGranted int64
	remoteWindow int64
	nextStreamID uint32
	maxAssigned  int
	remoteSeen   bool      // the peer's first SETTINGS frame was applied
	stalledSince time.Time // pending requests while the peer allows no streams
	streams      map[uint32]StreamProcessor
	order        []StreamProcessor
	pending      []*Request
	control      []Frame
	stash        []inboundEvent
	writeBuf     []byte

	pingOutstanding bool
	pingData        [8]byte
	pingSentAt      time.Time
	nextPing        time.Time
	rtt             *rttRing
	lastActivity    time.Time

	state         connState
	closeDeadline time.Time
	closeReason   error

	orphan             fragmentView
	orphanOpen         bool
	orphanID           uint32
	expectContinuation uint32

	// Shared with callers
	mu        sync.Mutex
	incoming  []*Request
	refusing  error
	shutdown  atomic.Int32
	inbound   chan inboundEvent
	wakeCh    chan struct{}
	quit      chan struct{}
	done      chan struct{}
	eg        errgroup.Group
	err       error
	closeOnce sync.Once
	closeErr  error

	activeCount  atomic.Int32
	pendingCount atomic.Int32
	maxStreams   atomic.Int32
	latency      atomic.Int64
	lastStreamID atomic.Uint32
}

// NewConnection starts the protocol on a transport that already negotiated HTTP/2
// (ALPN "h2" or prior knowledge). The preface is written by the writer goroutine, so
// NewConnection never blocks on the transport.
func NewConnection(transport io.ReadWriteCloser, cfg Config, opts ...Option) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Connection{
		id:           uuid.New(),
		cfg:          cfg,
		transport:    transport,
		clock:        cfg.Clock,
		factory:      DefaultStreamFactory,
		local:        NewLocalSettings(cfg),
		remote:       NewRemoteSettings(),
		localWindow:  int64(cfg.ConnectionWindowSize),
		localGranted: int64(cfg.ConnectionWindowSize),
		remoteWindow: DefaultInitialWindowSize,
		nextStreamID: 1,
		streams:      make(map[uint32]StreamProcessor),
		rtt:          newRTTRing(cfg.RTTSamples),
		inbound:      make(chan inboundEvent, 16),
		wakeCh:       make(chan struct{}, 1),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = defaultBufferPool
	}
	if c.factory == nil {
		c.factory = DefaultStreamFactory
	}

	c.log = Logger.With().
		Str("conn_id", c.id.String()).
		Str("authority", c.authority).
		Logger()
	c.bw = bufio.NewWriterSize(transport, int(cfg.MaxFrameSize)+FrameHeaderLen)
	c.fr = NewFrameReader(transport, c.pool, cfg.MaxFrameSize)
	c.codec = NewHPACKCodec(cfg.HeaderTableSize, cfg.MaxHeaderListSize, c.log)
	c.recomputeMaxAssigned()
	c.remote.Observe(c.onRemoteSetting)

	now := c.clock.Now()
	c.lastActivity = now
	if cfg.PingInterval > 0 {
		c.nextPing = now.Add(cfg.PingInterval)
	}
	c.publish()

	c.metrics.connectionOpened()
	LogConnection("established", c.authority, map[string]interface{}{
		"conn_id": c.id.String(),
	})

	c.eg.Go(c.readLoop)
	c.eg.Go(c.writeLoop)
	go func() {
		_ = c.eg.Wait()
		c.drainInbound()
		close(c.done)
		if c.onClose != nil {
			c.onClose(c, c.err)
		}
	}()
	return c, nil
}

// ID returns the connection id used in logs.
func (c *Connection) ID() uuid.UUID { return c.id }

// Authority returns the origin the connection was created for.
func (c *Connection) Authority() string { return c.authority }

// Done is closed once both goroutines have exited and the transport is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed. Only valid after Done is closed.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wake interrupts the writer's sleep. Safe to call from any goroutine.
func (c *Connection) Wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Submit queues req. It is admitted as a stream once the connection has capacity; the
// outcome is delivered to req.Sink (a *Response when none was set).
func (c *Connection) Submit(req *Request) error {
	if err := req.validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Sink == nil {
		req.Sink = NewResponse(req)
	}
	if req.MaxRetries < 0 {
		req.MaxRetries = c.cfg.MaxRetries
	}
	if req.cancel == nil {
		req.ctx, req.cancel = context.WithCancel(req.Context())
	}

	c.mu.Lock()
	if c.refusing != nil {
		err := c.refusing
		c.mu.Unlock()
		return err
	}
	c.incoming = append(c.incoming, req)
	c.mu.Unlock()
	c.pendingCount.Add(1)
	c.Wake()
	return nil
}

// Do submits req and waits for the response headers.
func (c *Connection) Do(req *Request) (*Response, error) {
	resp, ok := req.Sink.(*Response)
	if !ok || resp == nil {
		resp = NewResponse(req)
		req.Sink = resp
	}
	if err := c.Submit(req); err != nil {
		return nil, err
	}
	if err := resp.Wait(req.Context()); err != nil {
		return nil, err
	}
	return resp, nil
}

// Shutdown starts closing the connection. Immediate closes the transport before returning.
func (c *Connection) Shutdown(mode ShutdownMode) {
	for {
		cur := c.shutdown.Load()
		if cur >= int32(mode) || c.shutdown.CompareAndSwap(cur, int32(mode)) {
			break
		}
	}
	c.mu.Lock()
	if c.refusing == nil {
		c.refusing = ErrConnectionGoingAway
	}
	c.mu.Unlock()
	if mode == ShutdownImmediate {
		c.closeTransport()
	}
	c.Wake()
}

// Close shuts the connection down immediately and waits for it to stop. It returns the
// error of closing the transport, if any.
func (c *Connection) Close() error {
	c.Shutdown(ShutdownImmediate)
	<-c.done
	return c.closeErr
}

func (c *Connection) closeTransport() {
	c.closeOnce.Do(func() {
		if err := c.transport.Close(); err != nil {
			c.closeErr = err
			c.log.Debug().Err(err).Msg("transport close failed")
		}
	})
}

// Snapshot is a consistent-enough view of a connection for pool accounting.
type Snapshot struct {
	ID              string
	Authority       string
	ActiveStreams   int
	PendingRequests int
	MaxStreams      int
	Latency         time.Duration
	LastStreamID    uint32
	Accepting       bool
}

// Available is how many more requests the connection can start without queueing.
func (s Snapshot) Available() int {
	if !s.Accepting {
		return 0
	}
	return s.MaxStreams - s.ActiveStreams - s.PendingRequests
}

// Snapshot returns the counters the writer published at the end of its last cycle.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	accepting := c.refusing == nil
	c.mu.Unlock()
	return Snapshot{
		ID:              c.id.String(),
		Authority:       c.authority,
		ActiveStreams:   int(c.activeCount.Load()),
		PendingRequests: int(c.pendingCount.Load()),
		MaxStreams:      int(c.maxStreams.Load()),
		Latency:         time.Duration(c.latency.Load()),
		LastStreamID:    c.lastStreamID.Load(),
		Accepting:       accepting,
	}
}

func (c *Connection) publish() {
	c.activeCount.Store(int32(len(c.order)))
	c.maxStreams.Store(int32(c.maxAssigned))
	c.latency.Store(int64(c.rtt.latency()))
}

// readLoop decodes frames as soon as they are complete and hands them to the writer in
// batches of everything already buffered.
func (c *Connection) readLoop() error {
	for {
		f, err := c.fr.ReadFrame()
		var ev inboundEvent
		if err != nil {
			ev.err = err
		} else {
			ev.frames = append(ev.frames, f)
			for len(ev.frames) < maxReadBatch && c.fr.Buffered() {
				f, err := c.fr.ReadFrame()
				if err != nil {
					ev.err = err
					break
				}
				ev.frames = append(ev.frames, f)
			}
		}

		select {
		case <-c.quit:
			releaseEvent(ev)
			return nil
		default:
		}
		select {
		case c.inbound <- ev:
		case <-c.quit:
			releaseEvent(ev)
			return nil
		}

		if ev.err != nil {
			var fe *FrameError
			if !errors.As(ev.err, &fe) {
				return nil
			}
		}
	}
}

func releaseEvent(ev inboundEvent) {
	for _, f := range ev.frames {
		f.Release()
	}
}

// drainInbound releases batches the writer never handled. Only called once both
// goroutines have exited.
func (c *Connection) drainInbound() {
	for {
		select {
		case ev := <-c.inbound:
			releaseEvent(ev)
		default:
			return
		}
	}
}

// errStop ends the write loop without an error of its own; the close reason is already set.
var errStop = errors.New("stop")

func (c *Connection) writeLoop() error {
	defer close(c.quit)

	err := c.writePreface()
	for err == nil {
		err = c.cycle()
	}
	if errors.Is(err, errStop) {
		err = c.closeReason
	}
	c.teardown(err)
	return nil
}

func (c *Connection) writePreface() error {
	if _, err := c.bw.Write(ConnectionPreface); err != nil {
		return fmt.Errorf("failed to send connection preface: %w", err)
	}
	frames := []Frame{&SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameTypeSETTINGS},
		Settings:    c.local.List(),
	}}
	if inc := c.localGranted - DefaultInitialWindowSize; inc > 0 {
		frames = append(frames, &WindowUpdateFrame{
			FrameHeader: FrameHeader{Type: FrameTypeWINDOW_UPDATE},
			Increment:   uint32(inc),
		})
	}
	LogSettings(c.log, c.local.Map(), false)
	return c.writeFrames(frames)
}

// cycle runs one pass of the writer: inbound, ping, admission, stream processing, flow
// control, write, wait.
func (c *Connection) cycle() error {
	now := c.clock.Now()

	if ShutdownMode(c.shutdown.Load()) == ShutdownImmediate {
		c.closeReason = ErrConnectionClosed
		return errStop
	}

	// 1. Inbound frames
	for i, ev := range c.stash {
		if err := c.handleInbound(ev); err != nil {
			// teardown releases what is left
			c.stash = append(c.stash[:0], c.stash[i+1:]...)
			return err
		}
	}
	c.stash = c.stash[:0]
	for drained := false; !drained; {
		select {
		case ev := <-c.inbound:
			if err := c.handleInbound(ev); err != nil {
				return err
			}
		default:
			drained = true
		}
	}

	if ShutdownMode(c.shutdown.Load()) == ShutdownGentle {
		c.beginGentle(ErrConnectionGoingAway, now)
	}

	// 2. Keepalive
	if err := c.checkPing(now); err != nil {
		return err
	}

	// 3. Admission
	c.takeIncoming()
	if len(c.order) > 0 || len(c.pending) > 0 {
		c.lastActivity = now
	} else if c.state == stateRunning && c.cfg.IdleTimeout > 0 && now.Sub(c.lastActivity) >= c.cfg.IdleTimeout {
		c.log.Info().Dur("idle", now.Sub(c.lastActivity)).Msg("connection idle, shutting down")
		c.beginGentle(ErrIdleTimeout, now)
	}
	c.admit()
	c.checkStalledAdmission(now)

	// 4-5. Streams and DATA gating
	out := c.processStreams(now)

	// 6. Connection WINDOW_UPDATE
	if c.localWindow < c.localGranted/2 {
		inc := c.localGranted - c.localWindow
		c.localWindow = c.localGranted
		c.control = append(c.control, &WindowUpdateFrame{
			FrameHeader: FrameHeader{Type: FrameTypeWINDOW_UPDATE},
			Increment:   uint32(inc),
		})
		LogFlowControl(c.log, 0, c.localWindow, "window_update_sent")
	}

	// 7. Write
	frames := append(c.control, out...)
	c.control = nil
	wrote := len(frames) > 0
	if wrote {
		if err := c.writeFrames(frames); err != nil {
			return c.transportFailure(err)
		}
	}
	c.publish()

	if c.state == stateGentle {
		if len(c.order) == 0 && len(c.pending) == 0 {
			c.log.Debug().Msg("gentle shutdown drained")
			return errStop
		}
		if !now.Before(c.closeDeadline) {
			c.log.Warn().Int("streams", len(c.order)).Msg("gentle shutdown deadline passed")
			return errStop
		}
	}

	// 8. Wait, unless a reaped stream freed room for a pending request
	if wrote || c.canAdmit() {
		return nil
	}
	c.wait(now)
	return nil
}

// canAdmit reports whether the next pending request can open a stream. Extended CONNECT
// waits for the peer's first SETTINGS, which is where SETTINGS_ENABLE_CONNECT_PROTOCOL arrives.
func (c *Connection) canAdmit() bool {
	if c.state != stateRunning || len(c.pending) == 0 || len(c.order) >= c.maxAssigned {
		return false
	}
	return c.pending[0].Protocol == "" || c.remoteSeen
}

// checkStalledAdmission gives up on pending requests once the peer has allowed no streams at
// all for maxAdmissionStall.
func (c *Connection) checkStalledAdmission(now time.Time) {
	if c.state != stateRunning || c.maxAssigned > 0 || len(c.pending) == 0 {
		c.stalledSince = time.Time{}
		return
	}
	if c.stalledSince.IsZero() {
		c.stalledSince = now
		return
	}
	if now.Sub(c.stalledSince) < maxAdmissionStall {
		return
	}
	c.log.Warn().Int("pending", len(c.pending)).Msg("peer allows no streams, giving up on queued requests")
	pending := c.pending
	c.pending = nil
	c.pendingCount.Add(-int32(len(pending)))
	c.stalledSince = time.Time{}
	c.resendPending(pending, ErrNoStreamCapacity)
}

func (c *Connection) wait(now time.Time) {
	d := c.nextDeadline(now).Sub(now)
	if d <= 0 {
		return
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case ev := <-c.inbound:
		c.stash = append(c.stash, ev)
	case <-c.wakeCh:
	case <-t.C:
	}
}

func (c *Connection) nextDeadline(now time.Time) time.Time {
	next := now.Add(c.cfg.MaxWait)
	earlier := func(t time.Time) {
		if !t.IsZero() && t.Before(next) {
			next = t
		}
	}
	if c.cfg.PingInterval > 0 {
		if c.pingOutstanding {
			earlier(c.pingSentAt.Add(c.cfg.PingTimeout))
		} else {
			earlier(c.nextPing)
		}
	}
	if c.state == stateRunning && c.cfg.IdleTimeout > 0 && len(c.order) == 0 {
		earlier(c.lastActivity.Add(c.cfg.IdleTimeout))
	}
	if c.state == stateGentle {
		earlier(c.closeDeadline)
	}
	if !c.stalledSince.IsZero() {
		earlier(c.stalledSince.Add(maxAdmissionStall))
	}
	for _, s := range c.order {
		earlier(s.NextDeadline())
	}
	return next
}

func (c *Connection) checkPing(now time.Time) error {
	if c.cfg.PingInterval <= 0 {
		return nil
	}
	if c.pingOutstanding {
		if now.Sub(c.pingSentAt) >= c.cfg.PingTimeout {
			c.log.Warn().Dur("timeout", c.cfg.PingTimeout).Msg("PING not acknowledged")
			return ErrPingTimeout
		}
		return nil
	}
	if now.Before(c.nextPing) {
		return nil
	}
	c.pingOutstanding = true
	c.pingSentAt = now
	c.pingData = pingPayload(now)
	c.control = append(c.control, &PingFrame{
		FrameHeader: FrameHeader{Type: FrameTypePING},
		Data:        c.pingData,
	})
	return nil
}

func (c *Connection) takeIncoming() {
	c.mu.Lock()
	reqs := c.incoming
	c.incoming = nil
	c.mu.Unlock()
	if len(reqs) == 0 {
		return
	}
	if c.state != stateRunning {
		c.pendingCount.Add(-int32(len(reqs)))
		c.resendPending(reqs, ErrConnectionGoingAway)
		return
	}
	c.pending = append(c.pending, reqs...)
}

// admit opens streams for pending requests while below min(local cap, remote cap).
func (c *Connection) admit() {
	for c.canAdmit() {
		if c.nextStreamID > streamIDMask {
			c.log.Info().Msg("stream ids exhausted")
			c.beginGentle(ErrConnectionGoingAway, c.clock.Now())
			return
		}
		req := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.pendingCount.Add(-1)

		id := c.nextStreamID
		c.nextStreamID += 2
		s := c.factory(id, req, c.streamEnv())
		c.streams[id] = s
		c.order = append(c.order, s)
		c.lastStreamID.Store(id)
		c.metrics.streamOpened()
	}
}

func (c *Connection) streamEnv() StreamEnv {
	return StreamEnv{
		Config:  &c.cfg,
		Remote:  c.remote,
		Codec:   c.codec,
		Pool:    c.pool,
		Logger:  c.log,
		Metrics: c.metrics,
		Resend:  c.resend,
		Wake:    c.Wake,
	}
}

// processStreams collects at most one frame per stream, treating a HEADERS block with its
// CONTINUATION frames as one unit, and gates DATA on the connection send window.
func (c *Connection) processStreams(now time.Time) []Frame {
	var out []Frame
	budget := c.remoteWindow
	deferData := false

	for _, s := range c.order {
		f := s.Process(now, max(budget, 0))
		if f == nil {
			continue
		}
		if d, ok := f.(*DataFrame); ok {
			wire := int64(d.WireLength())
			if deferData || wire > budget {
				deferData = true
				s.Requeue(f)
				c.metrics.dataDeferred()
				continue
			}
			budget -= wire
		}
		out = append(out, f)

		for isOpenHeaderBlock(f) {
			f = s.Process(now, max(budget, 0))
			if f == nil {
				break
			}
			out = append(out, f)
		}
	}

	c.reap()
	return out
}

func isOpenHeaderBlock(f Frame) bool {
	switch f := f.(type) {
	case *HeadersFrame:
		return !f.Flags.Has(FlagHeadersEndHeaders)
	case *ContinuationFrame:
		return !f.Flags.Has(FlagContinuationEndHeaders)
	}
	return false
}

// reap drops streams that are Closed with nothing left to write.
func (c *Connection) reap() {
	kept := c.order[:0]
	for _, s := range c.order {
		if s.Done() {
			delete(c.streams, s.ID())
			c.metrics.streamClosed()
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(c.order); i++ {
		c.order[i] = nil
	}
	c.order = kept
}

func (c *Connection) writeFrames(frames []Frame) error {
	for i, f := range frames {
		buf, err := AppendFrame(c.writeBuf[:0], f)
		if err == nil {
			c.writeBuf = buf
			_, err = c.bw.Write(buf)
		}
		if err != nil {
			for _, rest := range frames[i:] {
				rest.Release()
			}
			return fmt.Errorf("failed to write %s frame: %w", f.Header().Type, err)
		}
		if d, ok := f.(*DataFrame); ok {
			c.remoteWindow -= int64(d.WireLength())
		}
		h := ParseFrameHeader(buf)
		LogFrame(c.log, "send", h)
		c.metrics.frameSent(h.Type)
		f.Release()
	}
	return c.bw.Flush()
}

func (c *Connection) handleInbound(ev inboundEvent) error {
	for i, f := range ev.frames {
		if err := c.handleFrame(f); err != nil {
			for _, rest := range ev.frames[i+1:] {
				rest.Release()
			}
			return err
		}
	}
	if ev.err == nil {
		return nil
	}

	var fe *FrameError
	if errors.As(ev.err, &fe) {
		if fe.Type == FrameTypeDATA {
			// The peer counted the dropped frame against the connection window
			c.localWindow -= int64(fe.Length)
			LogFlowControl(c.log, 0, c.localWindow, "malformed_data_consumed")
		}
		return c.violation(fe.Code, "%v", fe)
	}
	if ShutdownMode(c.shutdown.Load()) == ShutdownImmediate {
		c.closeReason = ErrConnectionClosed
		return errStop
	}
	var ce *ConnectionError
	if errors.As(ev.err, &ce) {
		return ce
	}
	if c.state == stateGentle && errors.Is(ev.err, io.EOF) && len(c.order) == 0 {
		c.log.Debug().Msg("peer closed after GOAWAY")
		return errStop
	}
	return c.transportFailure(ev.err)
}

func (c *Connection) transportFailure(err error) error {
	if ShutdownMode(c.shutdown.Load()) == ShutdownImmediate {
		c.closeReason = ErrConnectionClosed
		return errStop
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}

// violation reports a protocol violation the lenient mode tolerates.
func (c *Connection) violation(code ErrCode, format string, args ...interface{}) error {
	err := &ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
	if c.cfg.StrictFrames {
		return err
	}
	c.log.Warn().Err(err).Msg("ignoring protocol violation")
	return nil
}

func (c *Connection) handleFrame(f Frame) error {
	h := f.Header()
	LogFrame(c.log, "recv", h)
	c.metrics.frameReceived(h.Type)

	if c.expectContinuation != 0 {
		if h.Type != FrameTypeCONTINUATION || h.StreamID != c.expectContinuation {
			expected := c.expectContinuation
			c.expectContinuation = 0
			if err := c.violation(ErrorCodeProtocolError, "%s on stream %d interrupts header block of stream %d", h.Type, h.StreamID, expected); err != nil {
				f.Release()
				return err
			}
		}
	}
	if isOpenHeaderBlock(f) {
		c.expectContinuation = h.StreamID
	} else if h.Type == FrameTypeCONTINUATION {
		c.expectContinuation = 0
	}

	if h.StreamID == 0 {
		return c.handleConnectionFrame(f)
	}

	if d, ok := f.(*DataFrame); ok {
		c.localWindow -= int64(d.WireLength())
		if c.localWindow < 0 {
			err := c.violation(ErrorCodeFlowControlError, "peer overran connection window by %d bytes", -c.localWindow)
			if err != nil {
				f.Release()
				return err
			}
		}
	}

	switch f := f.(type) {
	case *PushPromiseFrame:
		if err := c.violation(ErrorCodeProtocolError, "PUSH_PROMISE on stream %d with push disabled", h.StreamID); err != nil {
			f.Release()
			return err
		}
		return c.orphanBlock(f)
	case *ContinuationFrame:
		if c.orphanOpen {
			return c.orphanBlock(f)
		}
	case *AltSvcFrame, *UnknownFrame:
		f.Release()
		return nil
	}

	if s, ok := c.streams[h.StreamID]; ok {
		return s.HandleFrame(f)
	}
	return c.unknownStreamFrame(f)
}

// unknownStreamFrame drops a frame for a stream that is not active. Header blocks are still
// decoded to keep the HPACK table in sync.
func (c *Connection) unknownStreamFrame(f Frame) error {
	h := f.Header()
	if h.StreamID >= c.nextStreamID || h.StreamID%2 == 0 {
		if err := c.violation(ErrorCodeProtocolError, "%s on stream %d that was never opened", h.Type, h.StreamID); err != nil {
			f.Release()
			return err
		}
	}
	switch f.(type) {
	case *HeadersFrame, *ContinuationFrame:
		return c.orphanBlock(f)
	case *RSTStreamFrame, *WindowUpdateFrame, *PriorityFrame:
		c.log.Debug().Str("type", h.Type.String()).Uint32("stream_id", h.StreamID).Msg("frame for closed stream")
	default:
		c.log.Warn().Str("type", h.Type.String()).Uint32("stream_id", h.StreamID).Msg("dropping frame for unknown stream")
	}
	f.Release()
	return nil
}

func (c *Connection) orphanBlock(f Frame) error {
	var end bool
	switch f := f.(type) {
	case *HeadersFrame:
		c.orphan.append(f.BlockFragment, f.takeBuffer())
		c.orphanID = f.StreamID
		end = f.Flags.Has(FlagHeadersEndHeaders)
	case *PushPromiseFrame:
		c.orphan.append(f.BlockFragment, f.takeBuffer())
		c.orphanID = f.StreamID
		end = f.Flags.Has(FlagPushPromiseEndHeaders)
	case *ContinuationFrame:
		c.orphan.append(f.BlockFragment, f.takeBuffer())
		end = f.Flags.Has(FlagContinuationEndHeaders)
	}
	f.Release()
	c.orphanOpen = !end
	if !end {
		return nil
	}
	_, err := c.codec.DecodeHeaders(c.orphan.bytes())
	c.orphan.release()
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

func (c *Connection) handleConnectionFrame(f Frame) error {
	defer f.Release()
	switch f := f.(type) {
	case *SettingsFrame:
		if f.IsAck() {
			LogSettings(c.log, nil, true)
			return nil
		}
		rejected, err := c.remote.Apply(f.Settings, c.cfg.StrictFrames)
		if err != nil {
			return err
		}
		c.remoteSeen = true
		for _, s := range rejected {
			c.log.Warn().Str("setting", s.String()).Msg("ignoring invalid setting")
		}
		LogSettings(c.log, c.remote.Map(), false)
		c.control = append(c.control, &SettingsFrame{
			FrameHeader: FrameHeader{Type: FrameTypeSETTINGS, Flags: FlagSettingsAck},
		})
		return nil

	case *PingFrame:
		if !f.IsAck() {
			c.control = append(c.control, &PingFrame{
				FrameHeader: FrameHeader{Type: FrameTypePING, Flags: FlagPingAck},
				Data:        f.Data,
			})
			return nil
		}
		if !c.pingOutstanding || f.Data != c.pingData {
			c.log.Debug().Msg("unsolicited PING ACK")
			return nil
		}
		now := c.clock.Now()
		rtt := now.Sub(pingSentAt(f.Data))
		if rtt < 0 {
			rtt = now.Sub(c.pingSentAt)
		}
		c.rtt.add(rtt)
		c.pingOutstanding = false
		c.nextPing = now.Add(c.cfg.PingInterval)
		c.metrics.pingRTT(rtt)
		LogPing(c.log, rtt, c.rtt.latency())
		return nil

	case *WindowUpdateFrame:
		if f.Increment == 0 {
			return c.violation(ErrorCodeProtocolError, "connection WINDOW_UPDATE with zero increment")
		}
		c.remoteWindow += int64(f.Increment)
		if c.remoteWindow > maxWindowSize {
			if err := c.violation(ErrorCodeFlowControlError, "connection window %d exceeds %d", c.remoteWindow, int64(maxWindowSize)); err != nil {
				return err
			}
			c.remoteWindow = maxWindowSize
		}
		LogFlowControl(c.log, 0, c.remoteWindow, "window_update_received")
		return nil

	case *GoAwayFrame:
		goAway := &GoAwayError{LastStreamID: f.LastStreamID, Code: f.ErrCode, DebugData: string(f.DebugData)}
		c.log.Info().
			Uint32("last_stream_id", f.LastStreamID).
			Str("code", f.ErrCode.String()).
			Str("debug", goAway.DebugData).
			Msg("GOAWAY received")
		c.closeReason = goAway
		return errStop

	default:
		return c.violation(ErrorCodeProtocolError, "%s frame on stream 0", f.Header().Type)
	}
}

// onRemoteSetting reacts to every change of a peer setting.
func (c *Connection) onRemoteSetting(id SettingID, prev, next uint32) {
	switch id {
	case SettingsInitialWindowSize:
		delta := int64(next) - int64(prev)
		for _, s := range c.order {
			s.AdjustRemoteWindow(delta)
		}
	case SettingsMaxConcurrentStreams:
		c.recomputeMaxAssigned()
	case SettingsHeaderTableSize:
		c.codec.SetEncoderTableSize(next)
	}
}

func (c *Connection) recomputeMaxAssigned() {
	n := min(c.cfg.MaxConcurrentStreams, c.remote.Get(SettingsMaxConcurrentStreams))
	if n > 1<<30 {
		n = 1 << 30
	}
	c.maxAssigned = int(n)
}

// beginGentle sends GOAWAY(NO_ERROR), refuses new streams and hands queued requests to
// another connection.
func (c *Connection) beginGentle(reason error, now time.Time) {
	if c.state != stateRunning {
		return
	}
	c.state = stateGentle
	c.closeReason = reason
	c.closeDeadline = now.Add(gracefulCloseWait(c.rtt.latency()))

	c.mu.Lock()
	if c.refusing == nil {
		c.refusing = ErrConnectionGoingAway
	}
	c.mu.Unlock()

	c.control = append(c.control, &GoAwayFrame{
		FrameHeader: FrameHeader{Type: FrameTypeGOAWAY},
		ErrCode:     ErrorCodeNoError,
	})
	c.log.Info().Err(reason).Time("deadline", c.closeDeadline).Msg("gentle shutdown started")

	pending := c.pending
	c.pending = nil
	c.pendingCount.Add(-int32(len(pending)))
	c.resendPending(pending, ErrConnectionGoingAway)
}

// resendPending hands never-admitted requests to the resend collaborator without touching
// their retry budget, or fails them.
func (c *Connection) resendPending(reqs []*Request, reason error) {
	for _, req := range reqs {
		if c.resend != nil && c.resend(req) {
			c.metrics.resend()
			continue
		}
		err := reason
		if c.state != stateRunning && !errors.Is(err, ErrConnectionClosed) {
			err = fmt.Errorf("%w: %w", ErrConnectionClosed, reason)
		}
		req.Sink.OnFinish(err)
	}
}

// teardown aborts every stream, fails or resends queued requests and closes the transport.
func (c *Connection) teardown(reason error) {
	c.state = stateClosed
	c.mu.Lock()
	c.refusing = ErrConnectionClosed
	incoming := c.incoming
	c.incoming = nil
	c.mu.Unlock()

	var (
		ce *ConnectionError
		fe *FrameError
	)
	if errors.As(reason, &ce) || errors.As(reason, &fe) {
		c.sendFatalGoAway(reason)
	}

	abortErr := reason
	if abortErr == nil {
		abortErr = ErrConnectionClosed
	}
	for _, s := range c.order {
		s.Abort(abortErr)
		c.metrics.streamClosed()
		delete(c.streams, s.ID())
	}
	c.order = nil

	pending := append(c.pending, incoming...)
	c.pending = nil
	c.pendingCount.Store(0)
	c.resendPending(pending, abortErr)

	for _, f := range c.control {
		f.Release()
	}
	c.control = nil
	for _, ev := range c.stash {
		releaseEvent(ev)
	}
	c.stash = nil
	c.orphan.release()

	c.closeTransport()
	c.err = reason
	c.publish()

	label := closeLabel(reason)
	c.metrics.connectionClosed(label)
	LogConnection("closed", c.authority, map[string]interface{}{
		"conn_id": c.id.String(),
		"reason":  label,
	})
	if reason != nil && label != "shutdown" && label != "idle" {
		c.log.Warn().Err(reason).Msg("connection closed")
	}
}

// sendFatalGoAway writes GOAWAY for a protocol error, bounded by a write deadline when the
// transport supports one.
func (c *Connection) sendFatalGoAway(reason error) {
	if dl, ok := c.transport.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = dl.SetWriteDeadline(time.Now().Add(time.Second))
	}
	debug := reason.Error()
	var ce *ConnectionError
	if errors.As(reason, &ce) {
		debug = ce.Reason
	}
	err := c.writeFrames([]Frame{&GoAwayFrame{
		FrameHeader: FrameHeader{Type: FrameTypeGOAWAY},
		ErrCode:     errCodeOf(reason),
		DebugData:   []byte(debug),
	}})
	if err != nil {
		c.log.Debug().Err(err).Msg("failed to send GOAWAY")
	}
}

func closeLabel(err error) string {
	var (
		goAway *GoAwayError
		ce     *ConnectionError
		fe     *FrameError
	)
	switch {
	case err == nil, errors.Is(err, ErrConnectionGoingAway):
		return "shutdown"
	case errors.Is(err, ErrIdleTimeout):
		return "idle"
	case errors.Is(err, ErrPingTimeout):
		return "ping_timeout"
	case errors.As(err, &goAway):
		return "goaway"
	case errors.As(err, &ce), errors.As(err, &fe):
		return "protocol"
	case err == ErrConnectionClosed:
		return "shutdown"
	default:
		return "transport"
	}
}
