// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionState is the session controller's lifecycle state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnected
	StateAuthReady
	StateStreaming
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnected:
		return "Connected"
	case StateAuthReady:
		return "AuthReady"
	case StateStreaming:
		return "Streaming"
	default:
		return "Unknown"
	}
}

// DefaultRequestTimeout bounds the wait for a matching response.
const DefaultRequestTimeout = 2 * time.Second

const defaultConnectRetries = 3

// How long each reader-loop poll blocks before re-checking for shutdown.
const readPollInterval = 500 * time.Millisecond

// DropHandler is invoked once per detected sample-sequence gap during
// streaming. Dropped samples are a warning, not a failure; the samples on
// either side of the gap are still delivered in order.
type DropHandler func(gap int)

// Config holds the session controller configuration.
type Config struct {
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	ConnectRetries int
	Crypto         Crypto
	Logger         zerolog.Logger
	OnDrop         DropHandler
}

func defaultConfig() Config {
	return Config{
		RequestTimeout: DefaultRequestTimeout,
		WriteTimeout:   DefaultRequestTimeout,
		ConnectRetries: defaultConnectRetries,
		Crypto:         DefaultCrypto{},
		Logger:         zerolog.Nop(),
	}
}

// Option is a functional option for configuring a Device.
type Option func(*Config)

// WithRequestTimeout sets the per-request response deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithWriteTimeout sets the transport write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

// WithConnectRetries sets how many times Connect is retried on timeout.
func WithConnectRetries(n int) Option {
	return func(c *Config) { c.ConnectRetries = n }
}

// WithCrypto injects the block-cipher capability used by Authenticate.
func WithCrypto(crypto Crypto) Option {
	return func(c *Config) { c.Crypto = crypto }
}

// WithLogger sets the structured logger for protocol-level events.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithDropHandler sets the callback for dropped-sample gaps.
func WithDropHandler(h DropHandler) Option {
	return func(c *Config) { c.OnDrop = h }
}

// Device is the session controller: it owns the transport, allocates
// transaction ids, correlates responses by id, and drives the
// Idle → Connected → AuthReady → Streaming state machine.
//
// A single reader goroutine consumes incoming frames and wakes per-request
// waiters; public operations are safe for concurrent use and block until
// their response or deadline.
type Device struct {
	tr  Transport
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	state   SessionState
	tid     uint8
	pending map[uint8]chan *RawFrame
	rawCh   chan []byte // set while an unframed (encrypted) read is expected
	closed  bool

	authTried bool

	// streaming sequence continuity across polls
	haveSeq bool
	lastSeq uint32

	sendMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}
}

// New creates a session controller over tr. The controller takes exclusive
// ownership of the transport; Close releases it.
func New(tr Transport, opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Device{
		tr:      tr,
		cfg:     cfg,
		log:     cfg.Logger,
		state:   StateIdle,
		pending: make(map[uint8]chan *RawFrame),
		done:    make(chan struct{}),
	}
}

// State returns the current session state.
func (d *Device) State() SessionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Close tears down the reader and the transport. The device itself is not
// reset; issue StopGraph/Disconnect first for a clean device state.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.state = StateIdle
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
	d.mu.Unlock()
	close(d.done)
	return d.tr.Close()
}

// nextID allocates the next transaction id: a wrapping counter skipping 0.
// The device processes one outstanding request per endpoint, so a plain
// counter correlates unambiguously.
func (d *Device) nextID() uint8 {
	d.tid++
	if d.tid == 0 {
		d.tid = 1
	}
	return d.tid
}

// readLoop is the single reader task: it consumes frames from the
// transport and demultiplexes them by transaction id.
func (d *Device) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-d.done:
			return
		default:
		}

		n, err := d.tr.ReadSome(buf, readPollInterval)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			select {
			case <-d.done:
			default:
				d.log.Debug().Err(err).Msg("reader: transport failed")
				d.failPending()
			}
			return
		}
		if n == 0 {
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		d.dispatch(frame)
	}
}

// dispatch routes one incoming frame to its waiter. Frames with no pending
// id are dropped after logging, except while an unframed encrypted read is
// in flight, in which case the bytes are handed over verbatim.
func (d *Device) dispatch(frame []byte) {
	parsed, err := ParseFrame(frame)

	d.mu.Lock()
	rawCh := d.rawCh

	if err == nil {
		if ch, ok := d.pending[parsed.ID()]; ok {
			delete(d.pending, parsed.ID())
			d.mu.Unlock()
			ch <- parsed
			return
		}
	}

	if rawCh != nil {
		d.rawCh = nil
		d.mu.Unlock()
		rawCh <- frame
		return
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Debug().Err(err).Int("len", len(frame)).Msg("dropping unparseable frame")
		return
	}
	d.log.Debug().
		Uint8("id", parsed.ID()).
		Str("type", parsed.Type().String()).
		Msg("dropping response with no pending request")
}

func (d *Device) failPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
	if d.rawCh != nil {
		close(d.rawCh)
		d.rawCh = nil
	}
}

// roundTrip allocates an id, sends the frame built for it and waits for
// the matching response. A deadline expiry purges the waiter; the late
// response, if any, is dropped on receipt.
func (d *Device) roundTrip(build func(id uint8) []byte, timeout time.Duration) (*RawFrame, error) {
	d.startOnce.Do(func() { go d.readLoop() })

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrTransportClosed
	}
	id := d.nextID()
	ch := make(chan *RawFrame, 1)
	d.pending[id] = ch
	d.mu.Unlock()

	frame := build(id)

	d.sendMu.Lock()
	err := d.tr.WriteAll(frame, d.cfg.WriteTimeout)
	d.sendMu.Unlock()
	if err != nil {
		d.purge(id)
		if errors.Is(err, ErrTimeout) {
			return nil, err
		}
		return nil, &TransportError{Op: "write", Cause: err}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrTransportClosed
		}
		return resp, nil
	case <-time.After(timeout):
		d.purge(id)
		d.log.Debug().Uint8("id", id).Msg("request timed out")
		return nil, ErrTimeout
	case <-d.done:
		return nil, ErrTransportClosed
	}
}

func (d *Device) purge(id uint8) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// armRaw registers a waiter for the next incoming transfer that matches no
// pending id, delivered verbatim. Used for the encrypted data blocks that
// follow a MemoryRead confirmation, which carry no header; the waiter must
// be armed before the request is sent, since the block can arrive
// immediately after the confirmation.
func (d *Device) armRaw() chan []byte {
	ch := make(chan []byte, 1)
	d.mu.Lock()
	d.rawCh = ch
	d.mu.Unlock()
	return ch
}

// disarmRaw cancels an armed raw waiter.
func (d *Device) disarmRaw(ch chan []byte) {
	d.mu.Lock()
	if d.rawCh == ch {
		d.rawCh = nil
	}
	d.mu.Unlock()
}

// awaitRaw waits on an armed raw waiter.
func (d *Device) awaitRaw(ch chan []byte, timeout time.Duration) ([]byte, error) {
	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrTransportClosed
		}
		return data, nil
	case <-time.After(timeout):
		d.disarmRaw(ch)
		return nil, ErrTimeout
	case <-d.done:
		return nil, ErrTransportClosed
	}
}

func (d *Device) requireState(attempted string, allowed ...SessionState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range allowed {
		if d.state == s {
			return nil
		}
	}
	return &InvalidStateError{Current: d.state, Attempted: attempted}
}

func (d *Device) setState(s SessionState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// expectAccept interprets a response that must be a plain Accept.
func expectAccept(resp *RawFrame) error {
	switch resp.Type() {
	case TypeAccept:
		return nil
	case TypeRejected:
		return &RejectedError{ReasonCode: uint16(resp.Ctrl.Attribute)}
	default:
		return fmt.Errorf("expected Accept, got %s", resp.Type())
	}
}

// Connect opens the session. Timeouts are retried a bounded number of
// times; any other failure is fatal.
func (d *Device) Connect() error {
	if err := d.requireState("connect", StateIdle); err != nil {
		return err
	}

	retries := d.cfg.ConnectRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		resp, err := d.roundTrip(func(id uint8) []byte {
			return BuildCtrl(TypeConnect, id, AttrNone)
		}, d.cfg.RequestTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				lastErr = err
				d.log.Debug().Int("attempt", attempt).Msg("connect timed out, retrying")
				continue
			}
			return err
		}
		if err := expectAccept(resp); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		d.setState(StateConnected)
		d.log.Debug().Msg("connected")
		return nil
	}
	return fmt.Errorf("connect: %w", lastErr)
}

// Disconnect closes the session on the device. The controller returns to
// Idle regardless of the device's response.
func (d *Device) Disconnect() error {
	if err := d.requireState("disconnect", StateConnected, StateAuthReady, StateStreaming); err != nil {
		return err
	}
	_, err := d.roundTrip(func(id uint8) []byte {
		return BuildCtrl(TypeDisconnect, id, AttrNone)
	}, d.cfg.RequestTimeout)
	d.setState(StateIdle)
	if err != nil && !errors.Is(err, ErrTimeout) {
		return err
	}
	return nil
}

// getData issues GetData with the mask and decodes the response chain.
func (d *Device) getData(mask AttributeSet) ([]Logical, error) {
	resp, err := d.roundTrip(func(id uint8) []byte {
		return BuildCtrlMask(TypeGetData, id, mask)
	}, d.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	switch resp.Type() {
	case TypePutData:
		// obj_count_words == 0 with an empty payload is a valid
		// "no data yet" response.
		if len(resp.Payload) == 0 && resp.Data.ObjCountWords == 0 {
			return nil, nil
		}
		chain, err := WalkChain(resp.Payload)
		if err != nil {
			return nil, err
		}
		if err := ValidateChain(chain, mask); err != nil {
			return nil, err
		}
		return chain, nil
	case TypeRejected:
		return nil, &RejectedError{ReasonCode: uint16(resp.Ctrl.Attribute)}
	default:
		return nil, fmt.Errorf("expected PutData for GetData(%s), got %s", mask, resp.Type())
	}
}

// RequestAdc polls a single ADC snapshot.
func (d *Device) RequestAdc() (*AdcData, error) {
	if err := d.requireState("request ADC", StateConnected, StateAuthReady); err != nil {
		return nil, err
	}
	chain, err := d.getData(NewAttributeSet(AttrAdc))
	if err != nil {
		return nil, err
	}
	adc := ChainAdc(chain)
	if adc == nil {
		return nil, fmt.Errorf("no ADC packet in response chain (%d logical packets)", len(chain))
	}
	return adc, nil
}

// RequestPdEvents polls the PD event stream. The stream may contain zero
// inner records; a device answering with a bare 12-byte status snapshot
// yields a stream with no events.
func (d *Device) RequestPdEvents() (*PdEventStream, error) {
	if err := d.requireState("request PD events", StateConnected, StateAuthReady); err != nil {
		return nil, err
	}
	chain, err := d.getData(NewAttributeSet(AttrPdPacket))
	if err != nil {
		return nil, err
	}
	if stream := ChainPdEvents(chain); stream != nil {
		return stream, nil
	}
	if status := ChainPdStatus(chain); status != nil {
		return &PdEventStream{Prelude: PdPrelude{
			TimestampMs: status.Timestamp,
			VbusRaw:     status.VbusRaw,
			IbusRaw:     status.IbusRaw,
			Cc1Raw:      status.Cc1Raw,
			Cc2Raw:      status.Cc2Raw,
		}}, nil
	}
	return nil, fmt.Errorf("no PD packet in response chain (%d logical packets)", len(chain))
}

// RequestCombined polls multiple attributes in one request. The response
// chain carries one logical packet per set bit, in chain order.
func (d *Device) RequestCombined(mask AttributeSet) ([]Logical, error) {
	if err := d.requireState("request combined data", StateConnected, StateAuthReady); err != nil {
		return nil, err
	}
	chain, err := d.getData(mask)
	if err != nil {
		return nil, err
	}
	// As in RequestPdEvents, a PdPacket answered with a bare status
	// snapshot becomes an event stream with no records.
	if mask.Contains(AttrPdPacket) && !mask.Contains(AttrPdStatus) {
		for i, l := range chain {
			if s, ok := l.(*PdStatus); ok {
				chain[i] = &PdEventStream{Prelude: PdPrelude{TimestampMs: s.Timestamp,
					VbusRaw: s.VbusRaw, IbusRaw: s.IbusRaw, Cc1Raw: s.Cc1Raw, Cc2Raw: s.Cc2Raw}}
			}
		}
	}
	return chain, nil
}

// RequestAdcQueue drains the device-side sample buffer once. Requires
// authentication.
func (d *Device) RequestAdcQueue() (*AdcQueueData, error) {
	if err := d.requireState("request ADC queue", StateAuthReady); err != nil {
		return nil, err
	}
	return d.pollQueue()
}

// StartGraph enables buffered streaming at the given sample rate and
// transitions to Streaming.
func (d *Device) StartGraph(rate SampleRate) error {
	if err := d.requireState("start graph", StateAuthReady); err != nil {
		return err
	}
	resp, err := d.roundTrip(func(id uint8) []byte {
		return BuildCtrl(TypeStartGraph, id, Attribute(rate))
	}, d.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	if err := expectAccept(resp); err != nil {
		return fmt.Errorf("start graph: %w", err)
	}
	d.mu.Lock()
	d.state = StateStreaming
	d.haveSeq = false
	d.mu.Unlock()
	d.log.Debug().Str("rate", rate.String()).Msg("streaming started")
	return nil
}

// PollSamples drains the device-side queue during streaming. It must be
// called at least as fast as the queue fills; gaps in the sample sequence
// are reported through the drop handler, once per gap.
func (d *Device) PollSamples() (*AdcQueueData, error) {
	if err := d.requireState("poll samples", StateStreaming); err != nil {
		return nil, err
	}
	return d.pollQueue()
}

func (d *Device) pollQueue() (*AdcQueueData, error) {
	chain, err := d.getData(NewAttributeSet(AttrAdcQueue))
	if err != nil {
		return nil, err
	}
	q := ChainAdcQueue(chain)
	if q == nil {
		// Empty chain: the buffer had nothing to drain.
		q = &AdcQueueData{}
	}
	d.trackSequence(q)
	return q, nil
}

// trackSequence checks sample-sequence continuity within the batch and
// across the previous poll, reporting each discontinuity once.
func (d *Device) trackSequence(q *AdcQueueData) {
	if len(q.Samples) == 0 {
		return
	}
	d.mu.Lock()
	prev := d.lastSeq
	have := d.haveSeq
	d.lastSeq = q.Samples[len(q.Samples)-1].Sequence
	d.haveSeq = true
	d.mu.Unlock()

	report := func(gap int) {
		d.log.Warn().Int("gap", gap).Msg("dropped samples detected")
		if d.cfg.OnDrop != nil {
			d.cfg.OnDrop(gap)
		}
	}

	if have {
		if delta := q.Samples[0].Sequence - prev; delta > 1 {
			report(int(delta - 1))
		}
	}
	for i := 1; i < len(q.Samples); i++ {
		if delta := q.Samples[i].Sequence - q.Samples[i-1].Sequence; delta > 1 {
			report(int(delta - 1))
		}
	}
}

// StopGraph disables streaming and returns to AuthReady.
func (d *Device) StopGraph() error {
	if err := d.requireState("stop graph", StateStreaming); err != nil {
		return err
	}
	resp, err := d.roundTrip(func(id uint8) []byte {
		return BuildCtrl(TypeStopGraph, id, AttrNone)
	}, d.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	if err := expectAccept(resp); err != nil {
		return fmt.Errorf("stop graph: %w", err)
	}
	d.setState(StateAuthReady)
	d.log.Debug().Msg("streaming stopped")
	return nil
}

// EnablePdMonitor turns on the device's PD sniffer (SetConfig, 0x10). The
// command body semantics are unconfirmed; the device acknowledges with
// Accept.
func (d *Device) EnablePdMonitor() error {
	if err := d.requireState("enable PD monitor", StateConnected, StateAuthReady); err != nil {
		return err
	}
	resp, err := d.roundTrip(func(id uint8) []byte {
		return BuildCtrl(TypeSetConfig, id, AttrNone)
	}, d.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	return expectAccept(resp)
}

// DisablePdMonitor turns off the device's PD sniffer (ResetConfig, 0x11).
func (d *Device) DisablePdMonitor() error {
	if err := d.requireState("disable PD monitor", StateConnected, StateAuthReady); err != nil {
		return err
	}
	resp, err := d.roundTrip(func(id uint8) []byte {
		return BuildCtrl(TypeResetConfig, id, AttrNone)
	}, d.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	return expectAccept(resp)
}
