// Package session implements the Session Layer (spec §4.4): one WebSocket
// connection's full lifecycle, from pre-upgrade authentication through
// framing, keep-alive, backpressure, and flush-close.
//
// Concurrency shape is grounded on the teacher's
// pkg/provider/s2s/openai/openai.go receiveLoop — one goroutine reading the
// socket and dispatching into channels — generalized from one goroutine
// into spec §4.4.1's three cooperative tasks (ingress-decode, engine-submit,
// egress-forward) plus a keep-alive pinger, joined by a shared cancellation
// (spec §9: "a single shutdown signal per session").
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kyutai-labs/moshi-serve/internal/codec"
	"github.com/kyutai-labs/moshi-serve/internal/engine"
	"github.com/kyutai-labs/moshi-serve/internal/observe"
	"github.com/kyutai-labs/moshi-serve/internal/resilience"
	"github.com/kyutai-labs/moshi-serve/internal/session/closecode"
	"github.com/kyutai-labs/moshi-serve/internal/wire"
	"github.com/kyutai-labs/moshi-serve/pkg/frame"
)

const (
	// ingressQueueSize is roughly 100 audio frames (8s at 80ms/frame), spec
	// §4.4.3's ingress channel bound.
	ingressQueueSize = 100
	// egressQueueSize is spec §4.4.3's egress channel bound.
	egressQueueSize = 100

	defaultPingInterval      = 5 * time.Second
	defaultInactivityWindow  = 10 * time.Second
	defaultDrainTimeout      = 5 * time.Second
	inactivityCheckInterval  = 1 * time.Second
	drainPollInterval        = 50 * time.Millisecond
)

// Deps holds everything a module's WebSocket handler needs to run sessions
// against one Engine.
type Deps struct {
	Engine           *engine.Engine
	Auth             *Authenticator
	Metrics          *observe.Metrics
	Module           string // label used in logs/metrics; spec §6.1's modules[].name
	PingInterval     time.Duration
	InactivityWindow time.Duration
	DrainTimeout     time.Duration

	// Breaker gates admission once the engine reports repeated device-fatal
	// failures, instead of admitting sessions onto a pool that cannot serve
	// them. Optional — nil skips the breaker entirely.
	Breaker *resilience.CircuitBreaker
}

func (d Deps) withDefaults() Deps {
	if d.PingInterval <= 0 {
		d.PingInterval = defaultPingInterval
	}
	if d.InactivityWindow <= 0 {
		d.InactivityWindow = defaultInactivityWindow
	}
	if d.DrainTimeout <= 0 {
		d.DrainTimeout = defaultDrainTimeout
	}
	return d
}

// ingressItem is what ingress-decode hands to engine-submit: exactly one of
// frame, marker, or tokens is populated.
type ingressItem struct {
	frame  *frame.Frame
	marker *int64
	tokens []string
}

// wsConn is the subset of *websocket.Conn the session state machine uses.
// Tests substitute a fake implementation to drive keep-alive and
// close-code behavior without a live socket.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
}

// session is the authoritative per-connection record of spec §3.
type session struct {
	id        string
	principal string
	module    string
	arrival   time.Time

	conn   wsConn
	eng    *engine.Engine
	kind   engine.ModuleKind
	slot   int
	bridge *codec.Bridge // nil for Tts modules

	egress chan engine.Event

	lastActivity atomic.Int64 // unix nanos, updated on every observed InMsg

	pendingMarkers sync.Map // int64 marker id -> struct{}{}, cleared as each is observed on egress
	markerCleared  chan struct{}

	metrics *observe.Metrics
	deps    Deps
}

// NewHandler builds an http.HandlerFunc serving one configured module's
// WebSocket path (spec §6.1/§4.4.1).
func NewHandler(d Deps) http.HandlerFunc {
	d = d.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := d.Auth.Authenticate(r)
		if !ok {
			// spec §4.4.1 step 1: auth failure before upgrade closes with 4001,
			// surfaced pre-upgrade as plain HTTP 401.
			http.Error(w, closecode.Reason(closecode.AuthFailed), http.StatusUnauthorized)
			if d.Metrics != nil {
				d.Metrics.RecordCloseCode(r.Context(), int(closecode.AuthFailed))
			}
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("session: websocket accept failed", "module", d.Module, "err", err)
			return
		}

		s := &session{
			id:            uuid.NewString(),
			principal:     principal,
			module:        d.Module,
			arrival:       time.Now(),
			conn:          conn,
			eng:           d.Engine,
			kind:          d.Engine.Kind(),
			egress:        make(chan engine.Event, egressQueueSize),
			markerCleared: make(chan struct{}, 1),
			metrics:       d.Metrics,
			deps:          d,
		}
		if s.kind != engine.KindTts {
			br, err := codec.New()
			if err != nil {
				slog.Error("session: create codec bridge", "err", err)
				conn.Close(websocket.StatusInternalError, "codec init failed")
				return
			}
			s.bridge = br
		}
		s.lastActivity.Store(time.Now().UnixNano())

		s.run(r.Context())
	}
}

// run admits the session onto its Engine and drives its lifecycle until
// close. It never returns an error: every failure mode ends in a WebSocket
// close frame, logged and counted, not propagated to the caller.
func (s *session) run(ctx context.Context) {
	slot, err := s.admit()
	if errors.Is(err, resilience.ErrCircuitOpen) {
		s.closeWith(ctx, 0, errServiceUnavailable)
		return
	}
	if err != nil {
		s.rejectAdmission(ctx, err)
		return
	}
	s.slot = slot
	slog.Info("session admitted", "session_id", s.id, "module", s.module, "slot", slot, "principal", s.principal)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ingressCh := make(chan ingressItem, ingressQueueSize)
	errCh := make(chan error, 4)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); errCh <- s.ingressLoop(sessCtx, ingressCh) }()
	go func() { defer wg.Done(); errCh <- s.submitLoop(sessCtx, ingressCh) }()
	go func() { defer wg.Done(); errCh <- s.egressLoop(sessCtx) }()
	go func() { defer wg.Done(); errCh <- s.keepaliveLoop(sessCtx) }()

	var cause error
	select {
	case cause = <-errCh:
	case <-ctx.Done():
		cause = ctx.Err()
	}
	cancel()
	wg.Wait()

	s.finalize(cause)
}

// admit reserves a slot, gated through deps.Breaker when configured. An
// ordinary at-capacity rejection never trips the breaker — only Admit
// errors distinct from ErrAtCapacity (ErrDeviceFatal once the Engine has
// gone device-fatal, or ErrEngineClosed after Close) count as breaker
// failures.
func (s *session) admit() (int, error) {
	if s.deps.Breaker == nil {
		return s.eng.Admit(s.id, s.egress)
	}
	var slot int
	var admitErr error
	breakerErr := s.deps.Breaker.Execute(func() error {
		slot, admitErr = s.eng.Admit(s.id, s.egress)
		if errors.Is(admitErr, engine.ErrAtCapacity) {
			return nil
		}
		return admitErr
	})
	if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
		return 0, breakerErr
	}
	return slot, admitErr
}

func (s *session) rejectAdmission(ctx context.Context, err error) {
	slog.Warn("session: admission rejected", "module", s.module, "err", err)
	if s.metrics != nil {
		s.metrics.RecordAdmissionFailure(ctx, s.module, "at_capacity")
	}
	out, encErr := wire.EncodeOutMsg(wire.OutMsg{Type: wire.OutError, Message: closecode.Reason(closecode.AtCapacity)})
	if encErr == nil {
		_ = s.conn.Write(ctx, websocket.MessageBinary, out)
	}
	// err is the Engine's raw (unclassified) rejection reason; the close code
	// is forced to AtCapacity rather than derived from it via closecode.ForError.
	s.closeWith(ctx, closecode.AtCapacity, nil)
}

// ingressLoop reads and decodes wire messages, re-chunks audio through the
// codec bridge, and forwards the results to ingressCh. It owns
// lastActivity: every successfully decoded InMsg (including Ping) resets
// the inactivity clock (spec §4.4.2).
func (s *session) ingressLoop(ctx context.Context, out chan<- ingressItem) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isNormalClose(err) {
				return errClientDisconnected
			}
			return fmt.Errorf("session: read: %w", err)
		}
		s.lastActivity.Store(time.Now().UnixNano())

		m, err := wire.DecodeInMsg(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errProtocolFault, err)
		}

		switch m.Type {
		case wire.InAudio:
			if err := validatePCM(m.PCM); err != nil {
				return fmt.Errorf("%w: %v", errProtocolFault, err)
			}
			if s.bridge == nil {
				return fmt.Errorf("%w: Audio sent to a non-ASR module", errProtocolFault)
			}
			for _, f := range s.bridge.PushRawF32(m.PCM) {
				if err := send(ctx, out, ingressItem{frame: &f}); err != nil {
					return err
				}
			}
		case wire.InOggOpus:
			if s.bridge == nil {
				return fmt.Errorf("%w: OggOpus sent to a non-ASR module", errProtocolFault)
			}
			frames, err := s.bridge.PushOggOpus(m.Data)
			if err != nil {
				return fmt.Errorf("%w: %v", errProtocolFault, err)
			}
			for _, f := range frames {
				if err := send(ctx, out, ingressItem{frame: &f}); err != nil {
					return err
				}
			}
		case wire.InText:
			if s.kind != engine.KindTts {
				return fmt.Errorf("%w: Text sent to a non-Tts module", errProtocolFault)
			}
			tokens := strings.Fields(m.Text)
			if len(tokens) == 0 {
				continue
			}
			if err := send(ctx, out, ingressItem{tokens: tokens}); err != nil {
				return err
			}
		case wire.InMarker:
			id := m.ID
			s.pendingMarkers.Store(id, struct{}{})
			if err := send(ctx, out, ingressItem{marker: &id}); err != nil {
				return err
			}
		case wire.InPing:
			// lastActivity already reset above; no further action.
		case wire.InInit:
			return fmt.Errorf("%w: client sent server-internal Init", errProtocolFault)
		default:
			return fmt.Errorf("%w: unhandled variant %q", errProtocolFault, m.Type)
		}
	}
}

func send(ctx context.Context, ch chan<- ingressItem, item ingressItem) error {
	select {
	case ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitLoop drains ingressCh and submits each item to the Engine, in
// order, preserving per-slot ingress ordering (spec §8 invariant 3). A full
// slot inbox naturally backpressures this loop, which backpressures
// ingressLoop's channel send, which backpressures the client's TCP window
// (spec §4.4.3).
func (s *session) submitLoop(ctx context.Context, in <-chan ingressItem) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-in:
			if !ok {
				return nil
			}
			var err error
			switch {
			case item.frame != nil:
				err = s.eng.SubmitFrame(s.slot, *item.frame)
			case item.marker != nil:
				err = s.eng.SubmitMarker(s.slot, *item.marker)
			case item.tokens != nil:
				err = s.eng.SubmitText(s.slot, item.tokens)
			}
			if err != nil {
				return fmt.Errorf("session: engine submit: %w", err)
			}
		}
	}
}

// egressLoop forwards Engine events to the client as wire OutMsg values and
// clears pendingMarkers as each Marker is observed, so the flush-close path
// (finalize) knows when drain has fully resolved.
func (s *session) egressLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.egress:
			if !ok {
				return nil
			}
			if ev.Kind == engine.EventOverloaded {
				return errEgressOverloaded
			}
			if err := s.deliver(ctx, ev); err != nil {
				return err
			}
			if ev.Kind == engine.EventError {
				return fmt.Errorf("%w: %s", errModelFault, ev.Message)
			}
		}
	}
}

func (s *session) deliver(ctx context.Context, ev engine.Event) error {
	out, ok := translateEvent(ev)
	if !ok {
		return nil
	}
	data, err := wire.EncodeOutMsg(out)
	if err != nil {
		return fmt.Errorf("session: encode egress: %w", err)
	}
	if err := s.writeLossy(ctx, ev, data); err != nil {
		return err
	}
	if ev.Kind == engine.EventMarker {
		s.pendingMarkers.Delete(ev.MarkerID)
		select {
		case s.markerCleared <- struct{}{}:
		default:
		}
	}
	return nil
}

// writeLossy implements spec §4.4.3's asymmetric backpressure: TTS audio
// frames may be silently dropped (lossy-safe, per spec), every other event
// type is never dropped — a write failure there propagates as a session
// error instead.
func (s *session) writeLossy(ctx context.Context, ev engine.Event, data []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		if ev.Kind == engine.EventAudio {
			if s.metrics != nil {
				s.metrics.RecordEgressDropped(ctx, s.module)
			}
			return nil
		}
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// translateEvent maps an internal Engine event to its wire representation.
// EventReady carries no payload distinct from OutReady; EventError still
// produces an OutError so the client sees the message before the socket
// closes.
func translateEvent(ev engine.Event) (wire.OutMsg, bool) {
	switch ev.Kind {
	case engine.EventReady:
		return wire.OutMsg{Type: wire.OutReady}, true
	case engine.EventWord:
		return wire.OutMsg{Type: wire.OutWord, Text: ev.Word, StartTime: ev.StartS}, true
	case engine.EventEndWord:
		return wire.OutMsg{Type: wire.OutEndWord, StopTime: ev.StopS}, true
	case engine.EventStep:
		return wire.OutMsg{Type: wire.OutStep, StepIdx: ev.StepIdx, Prs: ev.Prs, BufferedPCM: ev.BufferedPCM}, true
	case engine.EventAudio:
		return wire.OutMsg{Type: wire.OutAudio, PCM: ev.PCM}, true
	case engine.EventMarker:
		return wire.OutMsg{Type: wire.OutMarker, ID: ev.MarkerID}, true
	case engine.EventError:
		return wire.OutMsg{Type: wire.OutError, Message: ev.Message}, true
	default:
		return wire.OutMsg{}, false
	}
}

// keepaliveLoop sends WebSocket Ping control frames on a fixed interval and
// watches for client inactivity (spec §4.4.2). WebSocket Pong frames are
// transport-level and never reach lastActivity; only InMsg::Ping (handled
// in ingressLoop) or other application traffic resets the clock.
func (s *session) keepaliveLoop(ctx context.Context) error {
	pingTicker := time.NewTicker(s.deps.PingInterval)
	defer pingTicker.Stop()
	checkTicker := time.NewTicker(inactivityCheckInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingTicker.C:
			if err := s.conn.Ping(ctx); err != nil {
				return fmt.Errorf("session: ping: %w", err)
			}
		case <-checkTicker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) > s.deps.InactivityWindow {
				return errClientTimeout
			}
		}
	}
}

// finalize decides the close code for cause and drives the flush-close
// sequence (spec §4.4.1 item 4, §5 cancellation): a client-initiated
// disconnect drains the slot and waits for already-submitted markers to
// clear before closing 1000; every other cause releases the slot
// immediately and closes with its classified code.
func (s *session) finalize(cause error) {
	ctx := context.Background()

	if errors.Is(cause, errClientDisconnected) || errors.Is(cause, context.Canceled) {
		s.drainAndClose(ctx)
		return
	}

	if err := s.eng.Release(s.slot); err != nil && !errors.Is(err, engine.ErrEngineClosed) {
		slog.Warn("session: release on finalize", "session_id", s.id, "err", err)
	}
	s.closeWith(ctx, 0, cause)
}

// drainAndClose requests Drain and waits for every marker submitted before
// the disconnect to clear the egress path, bounded by DrainTimeout — after
// which it force-releases locally (the Engine's own drain timeout would
// also free the slot, but the session does not wait indefinitely on that).
func (s *session) drainAndClose(ctx context.Context) {
	// Spec §4.2: stream end flushes the codec bridge's buffered tail (a
	// zero-padded partial frame) so trailing real audio the client sent
	// right before disconnecting still reaches the Engine instead of being
	// silently discarded with the Bridge.
	if s.bridge != nil {
		for _, f := range s.bridge.Flush() {
			if err := s.eng.SubmitFrame(s.slot, f); err != nil {
				slog.Warn("session: submit flushed tail frame", "session_id", s.id, "err", err)
				break
			}
		}
	}

	if err := s.eng.Drain(s.slot); err != nil {
		slog.Warn("session: drain", "session_id", s.id, "err", err)
	}

	deadline := time.Now().Add(s.deps.DrainTimeout)
	for s.hasPendingMarkers() && time.Now().Before(deadline) {
		select {
		case <-s.markerCleared:
		case <-time.After(drainPollInterval):
		}
	}
	if s.hasPendingMarkers() {
		slog.Warn("session: drain timeout, forcing release", "session_id", s.id)
		_ = s.eng.Release(s.slot)
	}

	s.closeWith(ctx, closecode.Normal, nil)
}

func (s *session) hasPendingMarkers() bool {
	has := false
	s.pendingMarkers.Range(func(_, _ any) bool {
		has = true
		return false
	})
	return has
}

// closeWith sends the WebSocket close frame for cause (or forceCode if
// cause is nil; 1011 if that leaves no code), records the close-code metric, and
// logs the outcome. Idempotent in practice since [websocket.Conn.Close] is
// itself safe to call once the connection already closed.
func (s *session) closeWith(ctx context.Context, forceCode closecode.Code, cause error) {
	code := forceCode
	reason := closecode.Reason(forceCode)
	if cause != nil {
		code, reason = closecode.ForError(cause)
	}
	if code == 0 {
		code = closecode.InternalError
		reason = closecode.Reason(code)
	}

	if s.metrics != nil {
		s.metrics.RecordCloseCode(ctx, int(code))
	}
	logLevel := slog.LevelInfo
	if code != closecode.Normal {
		logLevel = slog.LevelWarn
	}
	slog.Log(ctx, logLevel, "session closed", "session_id", s.id, "module", s.module, "code", int(code), "reason", reason, "cause", causeString(cause))

	_ = s.conn.Close(websocket.StatusCode(code), reason)
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// errClientDisconnected marks ingressLoop observing a normal client-side
// close (FIN or WS close frame) — the trigger for drain(slot), not
// release(slot), per spec §5.
var errClientDisconnected = errors.New("session: client disconnected")

// isNormalClose reports whether err represents an ordinary client-initiated
// close rather than a network fault.
func isNormalClose(err error) bool {
	code := websocket.CloseStatus(err)
	if code != -1 {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// validatePCM rejects non-finite samples per spec §7's "semantically
// invalid field (e.g., non-finite f32 in PCM)" protocol fault.
func validatePCM(pcm []float32) error {
	for _, v := range pcm {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("session: non-finite PCM sample")
		}
	}
	return nil
}
