package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kyutai-labs/moshi-serve/internal/engine"
	"github.com/kyutai-labs/moshi-serve/internal/session/closecode"
)

// fakeConn is a wsConn test double: reads are served from a queue, writes
// and pings are recorded, Close captures its code/reason.
type fakeConn struct {
	mu sync.Mutex

	reads    []fakeRead
	readIdx  int
	writes   [][]byte
	pings    int
	closed   bool
	closeAt  websocket.StatusCode
	closeMsg string
}

type fakeRead struct {
	data []byte
	err  error
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readIdx >= len(c.reads) {
		<-ctx.Done()
		return 0, nil, ctx.Err()
	}
	r := c.reads[c.readIdx]
	c.readIdx++
	if r.err != nil {
		return 0, nil, r.err
	}
	return websocket.MessageBinary, r.data, nil
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeAt = code
	c.closeMsg = reason
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func newTestSession(conn wsConn) *session {
	s := &session{
		id:            "test-session",
		module:        "asr",
		conn:          conn,
		egress:        make(chan engine.Event, 8),
		markerCleared: make(chan struct{}, 1),
		deps: Deps{
			PingInterval:     10 * time.Millisecond,
			InactivityWindow: 30 * time.Millisecond,
			DrainTimeout:     50 * time.Millisecond,
		},
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

func TestKeepaliveLoopSendsPings(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	// refresh activity on a tighter cadence than InactivityWindow so the
	// loop only exits via ctx timeout, not errClientTimeout.
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(5 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.lastActivity.Store(time.Now().UnixNano())
			}
		}
	}()
	defer close(stop)

	err := s.keepaliveLoop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.pings == 0 {
		t.Fatal("expected at least one ping to have been sent")
	}
}

func TestKeepaliveLoopTimesOutOnInactivity(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(conn)
	s.lastActivity.Store(time.Now().Add(-1 * time.Hour).UnixNano())

	err := s.keepaliveLoop(context.Background())
	if !errors.Is(err, errClientTimeout) {
		t.Fatalf("err = %v, want errClientTimeout", err)
	}
}

func TestCloseWithMapsClassifiedCause(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(conn)

	s.closeWith(context.Background(), 0, fmt.Errorf("wrap: %w", errClientTimeout))

	if conn.closeAt != websocket.StatusCode(closecode.ClientTimeout) {
		t.Fatalf("close code = %d, want %d", conn.closeAt, closecode.ClientTimeout)
	}
}

func TestCloseWithUsesForceCodeWhenCauseNil(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(conn)

	s.closeWith(context.Background(), closecode.AtCapacity, nil)

	if conn.closeAt != websocket.StatusCode(closecode.AtCapacity) {
		t.Fatalf("close code = %d, want %d", conn.closeAt, closecode.AtCapacity)
	}
}

func TestCloseWithDefaultsUnclassifiedCauseToInternalError(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(conn)

	s.closeWith(context.Background(), 0, errors.New("boom"))

	if conn.closeAt != websocket.StatusCode(closecode.InternalError) {
		t.Fatalf("close code = %d, want %d", conn.closeAt, closecode.InternalError)
	}
}

func TestTranslateEventAudioCarriesPCM(t *testing.T) {
	out, ok := translateEvent(engine.Event{Kind: engine.EventAudio, PCM: []float32{0.1, 0.2}})
	if !ok {
		t.Fatal("expected ok=true for EventAudio")
	}
	if len(out.PCM) != 2 {
		t.Fatalf("PCM len = %d, want 2", len(out.PCM))
	}
}

func TestTranslateEventMarker(t *testing.T) {
	out, ok := translateEvent(engine.Event{Kind: engine.EventMarker, MarkerID: 42})
	if !ok || out.ID != 42 {
		t.Fatalf("out = %+v, ok = %v", out, ok)
	}
}

func TestTranslateEventUnknownKind(t *testing.T) {
	_, ok := translateEvent(engine.Event{Kind: engine.EventKind(999)})
	if ok {
		t.Fatal("expected ok=false for an unrecognized event kind")
	}
}

// invariant: spec §4.4.3's asymmetric egress policy disconnects an
// overloaded client with close code 4005 rather than silently dropping the
// non-audio event the engine could not deliver.
func TestEgressLoopDisconnectsOnEventOverloaded(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(conn)
	s.egress <- engine.Event{Kind: engine.EventOverloaded}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.egressLoop(ctx)
	if !errors.Is(err, errEgressOverloaded) {
		t.Fatalf("expected errEgressOverloaded, got %v", err)
	}
}

func TestValidatePCMRejectsNonFinite(t *testing.T) {
	cases := []struct {
		name string
		pcm  []float32
		want bool // want error
	}{
		{"finite", []float32{0.1, -0.5, 1.0}, false},
		{"nan", []float32{0.1, float32(math.NaN())}, true},
		{"inf", []float32{0.1, float32(math.Inf(1))}, true},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		err := validatePCM(tc.pcm)
		if (err != nil) != tc.want {
			t.Errorf("%s: err = %v, want error = %v", tc.name, err, tc.want)
		}
	}
}

func TestIsNormalClose(t *testing.T) {
	if !isNormalClose(context.Canceled) {
		t.Error("context.Canceled should be treated as a normal close")
	}
	if isNormalClose(errors.New("connection reset")) {
		t.Error("a plain error should not be treated as a normal close")
	}
}

func TestHasPendingMarkers(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(conn)
	if s.hasPendingMarkers() {
		t.Fatal("fresh session should have no pending markers")
	}
	s.pendingMarkers.Store(int64(1), struct{}{})
	if !s.hasPendingMarkers() {
		t.Fatal("expected a pending marker after Store")
	}
	s.pendingMarkers.Delete(int64(1))
	if s.hasPendingMarkers() {
		t.Fatal("expected no pending markers after Delete")
	}
}

func TestDrainWaitLoopEndsWhenPendingMarkerClears(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(conn)
	s.eng = nil // Drain/Release are not exercised directly; engine interactions are covered in engine package tests.

	s.pendingMarkers.Store(int64(7), struct{}{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		s.pendingMarkers.Delete(int64(7))
		select {
		case s.markerCleared <- struct{}{}:
		default:
		}
	}()

	// eng is nil, so skip the Drain/Release calls by testing the wait loop
	// directly instead of through drainAndClose's engine calls.
	deadline := time.Now().Add(s.deps.DrainTimeout)
	for s.hasPendingMarkers() && time.Now().Before(deadline) {
		select {
		case <-s.markerCleared:
		case <-time.After(drainPollInterval):
		}
	}
	if s.hasPendingMarkers() {
		t.Fatal("expected pending marker to clear before deadline")
	}
}
