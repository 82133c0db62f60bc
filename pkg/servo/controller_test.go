package servo

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakePort simulates the servo board: position commands settle instantly,
// and position queries reply with the last commanded value.
type fakePort struct {
	mu         sync.Mutex
	writes     [][]byte
	replies    []byte
	positions  [MaxServos]int // quarter microseconds
	moveCount  int
	shortWrite bool
	closed     bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shortWrite {
		return len(b) - 1, nil
	}
	msg := make([]byte, len(b))
	copy(msg, b)
	p.writes = append(p.writes, msg)

	switch b[0] {
	case cmdSetPosition:
		p.positions[b[1]] = int(b[2]) | int(b[3])<<7
		p.moveCount++
	case cmdGetPosition:
		quarter := p.positions[b[1]]
		p.replies = append(p.replies, byte(quarter&0xFF), byte(quarter>>8))
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.replies)
	p.replies = p.replies[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) moves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moveCount
}

func (p *fakePort) lastWrite() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return nil
	}
	return p.writes[len(p.writes)-1]
}

func newTestController() (*Controller, *fakePort) {
	port := &fakePort{}
	ctl := NewController(nil)
	ctl.OpenPort(port)
	return ctl, port
}

func TestSetPositionClampAndWire(t *testing.T) {
	ctl, port := newTestController()

	// min=992 max=2000: 3000 clamps to 2000.
	pos, err := ctl.SetPositionSync(2, 3000, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 2000 {
		t.Errorf("expected clamp to 2000, got %d", pos)
	}

	quarter := 2000 * 4
	want := []byte{cmdSetPosition, 2, byte(quarter & 0x7F), byte((quarter >> 7) & 0x7F)}
	port.mu.Lock()
	first := port.writes[0]
	port.mu.Unlock()
	for i, b := range want {
		if first[i] != b {
			t.Fatalf("wire byte %d = %#x, want %#x", i, first[i], b)
		}
	}

	actual, err := ctl.PositionFromController(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual != 2000 {
		t.Errorf("controller reports %d, want 2000", actual)
	}
	if cached, _ := ctl.Position(2); cached != 2000 {
		t.Errorf("cached position %d, want 2000", cached)
	}
}

func TestSetPositionRoundTrip(t *testing.T) {
	ctl, _ := newTestController()

	tests := []struct {
		val  int
		want int
	}{
		{1500, 1500},
		{100, 992},   // below min clamps up
		{9000, 2000}, // above max clamps down
		{0, 0},       // disable pulse passes through
	}
	for _, tt := range tests {
		sent, err := ctl.SetPosition(3, tt.val)
		if err != nil {
			t.Fatalf("set %d: %v", tt.val, err)
		}
		if sent != tt.want {
			t.Errorf("set %d: sent %d, want %d", tt.val, sent, tt.want)
		}
	}

	// The zero command did not disturb the cached position: it still holds
	// the last nonzero (clamped) command.
	if cached, _ := ctl.Position(3); cached != 2000 {
		t.Errorf("cached position %d, want 2000", cached)
	}
}

func TestSpeedAndAccelerationWire(t *testing.T) {
	ctl, port := newTestController()

	if err := ctl.SetSpeed(1, 200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{cmdSetSpeed, 1, 200 & 0x7F, (200 >> 7) & 0x7F}
	got := port.lastWrite()
	for i, b := range want {
		if got[i] != b {
			t.Fatalf("speed wire byte %d = %#x, want %#x", i, got[i], b)
		}
	}

	if err := ctl.SetAcceleration(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got = port.lastWrite()
	if got[0] != cmdSetAcceleration || got[2] != 10 {
		t.Errorf("acceleration wire = %v", got)
	}

	props, _ := ctl.Properties(1)
	if props.Speed != 200 || props.Acceleration != 10 {
		t.Errorf("cached speed/accel = %d/%d", props.Speed, props.Acceleration)
	}
}

func TestShortWriteFails(t *testing.T) {
	ctl, port := newTestController()
	port.shortWrite = true

	if _, err := ctl.SetPosition(0, 1500); !errors.Is(err, ErrShortWrite) {
		t.Errorf("expected ErrShortWrite, got %v", err)
	}
}

func TestInvalidChannel(t *testing.T) {
	ctl, _ := newTestController()

	if _, err := ctl.SetPosition(6, 1500); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("expected ErrInvalidChannel, got %v", err)
	}
	if _, err := ctl.SetPosition(-1, 1500); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("expected ErrInvalidChannel, got %v", err)
	}
}

func TestEnableDisable(t *testing.T) {
	ctl, port := newTestController()

	if err := ctl.Enable(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	props, _ := ctl.Properties(4)
	if props.Disabled {
		t.Error("expected channel enabled")
	}

	if err := ctl.Disable(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	props, _ = ctl.Properties(4)
	if !props.Disabled {
		t.Error("expected channel disabled")
	}

	// Disable sends the zero-position pulse.
	got := port.lastWrite()
	if got[0] != cmdSetPosition || got[2] != 0 || got[3] != 0 {
		t.Errorf("disable wire = %v", got)
	}
	// Cached position survives the disable for the next enable.
	if cached, _ := ctl.Position(4); cached != 1500 {
		t.Errorf("cached position %d, want 1500", cached)
	}
}

func TestCloseDisablesEnabledChannels(t *testing.T) {
	ctl, port := newTestController()
	if err := ctl.Enable(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ctl.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !port.closed {
		t.Error("expected the port to be closed")
	}
	props, _ := ctl.Properties(0)
	if !props.Disabled {
		t.Error("expected channel 0 disabled on close")
	}
	// Close with no port is a no-op.
	if err := ctl.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRelativePosition(t *testing.T) {
	ctl, _ := newTestController()

	// min=992 max=2000 range=120: 8.4 microseconds per degree.
	pos, err := ctl.RelativePosition(0, 10, Degrees)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 1584 {
		t.Errorf("expected 1584, got %d", pos)
	}

	pos, _ = ctl.RelativePosition(0, -50, Microseconds)
	if pos != 1450 {
		t.Errorf("expected 1450, got %d", pos)
	}

	pos, _ = ctl.RelativePosition(0, 0.1, Radians)
	props, _ := ctl.Properties(0)
	want := 1500 + int(0.1*props.MicrosecondsPerRadian)
	if pos != want {
		t.Errorf("expected %d, got %d", want, pos)
	}
}

func TestSetPositionMultiSync(t *testing.T) {
	ctl, _ := newTestController()

	positions, err := ctl.SetPositionMultiSync([]Move{{0, 1200}, {1, 1800}}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if positions[0] != 1200 || positions[1] != 1800 {
		t.Errorf("expected [1200 1800], got %v", positions)
	}
	if cached, _ := ctl.Position(1); cached != 1800 {
		t.Errorf("cached position %d, want 1800", cached)
	}
}

func TestReturnToHome(t *testing.T) {
	ctl, _ := newTestController()
	if _, err := ctl.SetPosition(0, 1200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, err := ctl.ReturnToHome(0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 1500 {
		t.Errorf("expected home 1500, got %d", pos)
	}
}

func TestThreadedMoveGuard(t *testing.T) {
	ctl, _ := newTestController()

	if err := ctl.SetRelativeMultiThreaded([]RelativeMove{{0, 5}}, Degrees, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A second move may be rejected while the first is in flight; it must
	// either start or report ErrMoveInFlight, never hang.
	err := ctl.SetRelativeMultiThreaded([]RelativeMove{{1, 5}}, Degrees, time.Second)
	if err != nil && !errors.Is(err, ErrMoveInFlight) {
		t.Errorf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ctl.moveInFlight.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ctl.moveInFlight.Load() {
		t.Error("threaded move never completed")
	}
}
