// Package servo implements a serial client for a six-channel USB servo
// board speaking the compact binary protocol, plus a two-axis pan/tilt
// tracker that converts frame offsets into angular corrections.
package servo

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// MaxServos is the number of channels the board addresses.
const MaxServos = 6

// DefaultBaudRate is the serial rate the board expects.
const DefaultBaudRate = 115200

// Protocol command bytes.
const (
	cmdSetPosition     = 0x84
	cmdSetSpeed        = 0x87
	cmdSetAcceleration = 0x89
	cmdGetPosition     = 0x90
)

// Units selects how relative moves are interpreted.
type Units int

const (
	Microseconds Units = iota
	Radians
	Degrees
)

// Errors returned by the controller.
var (
	ErrPortNotOpen    = errors.New("serial port is not open")
	ErrInvalidChannel = errors.New("channel out of range")
	ErrShortWrite     = errors.New("short write to servo controller")
	ErrShortRead      = errors.New("short read from servo controller")
	ErrMoveInFlight   = errors.New("a threaded move is already in flight")
)

// Port is the transport the controller writes its protocol to. The
// production implementation is a go.bug.st/serial port; tests inject a
// scripted fake.
type Port interface {
	io.ReadWriteCloser
}

// ServoProperties holds the per-channel settings and cached state.
type ServoProperties struct {
	Min          int
	Max          int
	Home         int
	Pos          int
	Speed        int
	Acceleration int
	RangeDegrees float64
	Disabled     bool

	MicrosecondsPerDegree float64
	MicrosecondsPerRadian float64

	// Calibration holds seconds-to-move for 0..45 degrees, or nil before
	// Calibrate has run for this channel.
	Calibration []float64
}

// DefaultServoProperties returns the standard settings for a channel with
// the given mechanical range in degrees.
func DefaultServoProperties(rangeDegrees float64) ServoProperties {
	p := ServoProperties{
		Min:          992,
		Max:          2000,
		Home:         1500,
		Pos:          1500,
		Speed:        200,
		Acceleration: 0,
		RangeDegrees: rangeDegrees,
		Disabled:     true,
	}
	p.recalc()
	return p
}

func (p *ServoProperties) recalc() {
	if p.RangeDegrees <= 0 {
		p.RangeDegrees = 120
	}
	p.MicrosecondsPerDegree = float64(p.Max-p.Min) / p.RangeDegrees
	p.MicrosecondsPerRadian = p.MicrosecondsPerDegree * (180 / math.Pi)
}

// Move pairs a channel with a target position in microseconds.
type Move struct {
	Channel int
	Pos     int
}

// Controller drives up to six servos over a single serial port. The port is
// single-owner; each protocol exchange holds the controller's mutex. A
// multi-axis sync as a whole is not serialized against other callers: only
// SetRelativeMultiThreaded limits itself to one move in flight.
type Controller struct {
	mu           sync.Mutex
	port         Port
	props        [MaxServos]ServoProperties
	moveInFlight atomic.Bool
	log          *zap.Logger
}

// NewController creates a controller with default per-channel properties.
// A nil logger disables logging.
func NewController(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{log: logger.With(zap.String("component", "servo"))}
	for i := range c.props {
		c.props[i] = DefaultServoProperties(120)
	}
	return c
}

// Open opens the named serial port at the given baud rate (DefaultBaudRate
// if zero).
func (c *Controller) Open(portName string, baud int) error {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("opening servo port %s: %w", portName, err)
	}
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()
	return nil
}

// OpenPort attaches an already-open transport. Used by tests and by callers
// that manage the port themselves.
func (c *Controller) OpenPort(port Port) {
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()
}

// Close disables every enabled channel and releases the port. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return nil
	}
	for ch := range c.props {
		if !c.props[ch].Disabled {
			if err := c.Disable(ch); err != nil {
				c.log.Warn("disable on close failed", zap.Int("channel", ch), zap.Error(err))
			}
		}
	}
	c.mu.Lock()
	c.port = nil
	c.mu.Unlock()
	return port.Close()
}

// Properties returns a copy of the channel's properties.
func (c *Controller) Properties(channel int) (ServoProperties, error) {
	if err := c.checkChannel(channel); err != nil {
		return ServoProperties{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props[channel], nil
}

// Configure replaces a channel's properties. Derived fields are
// recalculated, and a change of the Disabled flag enables or disables the
// output accordingly.
func (c *Controller) Configure(channel int, props ServoProperties) error {
	if err := c.checkChannel(channel); err != nil {
		return err
	}
	c.mu.Lock()
	wasDisabled := c.props[channel].Disabled
	wantDisabled := props.Disabled
	props.recalc()
	// The flag itself is owned by Enable/Disable below.
	props.Disabled = wasDisabled
	c.props[channel] = props
	c.mu.Unlock()

	if wasDisabled && !wantDisabled {
		return c.Enable(channel)
	}
	if !wasDisabled && wantDisabled {
		return c.Disable(channel)
	}
	return nil
}

// SetPosition commands a channel to the given microseconds, clamped into
// [Min, Max]. A value of zero passes through and disables the output pulse.
// Returns the position actually sent.
func (c *Controller) SetPosition(channel, val int) (int, error) {
	if err := c.checkChannel(channel); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setPositionLocked(channel, val)
}

func (c *Controller) setPositionLocked(channel, val int) (int, error) {
	pos := val
	if pos != 0 {
		if pos < c.props[channel].Min {
			pos = c.props[channel].Min
		} else if pos > c.props[channel].Max {
			pos = c.props[channel].Max
		}
	}

	quarterUS := pos * 4
	msg := []byte{cmdSetPosition, byte(channel), byte(quarterUS & 0x7F), byte((quarterUS >> 7) & 0x7F)}
	if err := c.writeCommand(msg, "setPosition"); err != nil {
		return 0, err
	}
	if pos > 0 {
		c.props[channel].Pos = pos
	}
	return pos, nil
}

// SetPositionSync commands a position and polls the controller every
// millisecond until it reports the target or the timeout elapses. Timeout
// is a warning, not an error: the caller sees best-effort completion.
func (c *Controller) SetPositionSync(channel, val int, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pos, err := c.SetPosition(channel, val)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	for {
		actual, err := c.PositionFromController(channel)
		if err != nil {
			return pos, err
		}
		if actual == pos {
			return pos, nil
		}
		if time.Since(start) > timeout {
			c.log.Warn("timeout before position sync completed", zap.Int("channel", channel))
			return pos, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// SetPositionMulti commands several channels in one fan-out. Returns the
// positions actually sent, index-aligned with the input.
func (c *Controller) SetPositionMulti(moves []Move) ([]int, error) {
	positions := make([]int, len(moves))
	for i, m := range moves {
		pos, err := c.SetPosition(m.Channel, m.Pos)
		if err != nil {
			return positions, err
		}
		positions[i] = pos
	}
	return positions, nil
}

// SetPositionMultiSync fans out position commands and waits until every
// channel reports its target or the global timeout elapses.
func (c *Controller) SetPositionMultiSync(moves []Move, timeout time.Duration) ([]int, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	positions, err := c.SetPositionMulti(moves)
	if err != nil {
		return positions, err
	}

	done := make([]bool, len(moves))
	remaining := len(moves)
	start := time.Now()
	for remaining > 0 && time.Since(start) < timeout {
		for i, m := range moves {
			if done[i] {
				continue
			}
			actual, err := c.PositionFromController(m.Channel)
			if err != nil {
				return positions, err
			}
			if actual == positions[i] {
				done[i] = true
				remaining--
			}
		}
		if remaining > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if remaining > 0 {
		c.log.Warn("timeout before multi position sync completed")
	}
	return positions, nil
}

// SetRelative moves a channel by an offset in the given units, converted
// through the channel's calibration of microseconds per unit.
func (c *Controller) SetRelative(channel int, val float64, units Units, syncWait bool) (int, error) {
	pos, err := c.RelativePosition(channel, val, units)
	if err != nil {
		return 0, err
	}
	if syncWait {
		return c.SetPositionSync(channel, pos, 0)
	}
	return c.SetPosition(channel, pos)
}

// RelativePosition computes the absolute microseconds for an offset in the
// given units from the cached position.
func (c *Controller) RelativePosition(channel int, val float64, units Units) (int, error) {
	if err := c.checkChannel(channel); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	props := &c.props[channel]
	var diff int
	switch units {
	case Microseconds:
		diff = int(val)
	case Radians:
		diff = int(val * props.MicrosecondsPerRadian)
	default:
		diff = int(val * props.MicrosecondsPerDegree)
	}
	return props.Pos + diff, nil
}

// RelativeMove pairs a channel with an offset for multi-axis relative moves.
type RelativeMove struct {
	Channel int
	Offset  float64
}

// SetRelativeMulti converts per-channel offsets to absolute positions and
// dispatches them with a synchronized wait.
func (c *Controller) SetRelativeMulti(moves []RelativeMove, units Units, timeout time.Duration) error {
	abs := make([]Move, len(moves))
	for i, m := range moves {
		pos, err := c.RelativePosition(m.Channel, m.Offset, units)
		if err != nil {
			return err
		}
		abs[i] = Move{Channel: m.Channel, Pos: pos}
	}
	_, err := c.SetPositionMultiSync(abs, timeout)
	return err
}

// SetRelativeMultiThreaded runs SetRelativeMulti on its own goroutine. Only
// one threaded move may be in flight per controller.
func (c *Controller) SetRelativeMultiThreaded(moves []RelativeMove, units Units, timeout time.Duration) error {
	if !c.moveInFlight.CompareAndSwap(false, true) {
		c.log.Error("attempt to start a move before the prior one completed")
		return ErrMoveInFlight
	}
	go func() {
		defer c.moveInFlight.Store(false)
		if err := c.SetRelativeMulti(moves, units, timeout); err != nil {
			c.log.Warn("threaded relative move failed", zap.Error(err))
		}
	}()
	return nil
}

// SetSpeed commands a channel's speed and caches it.
func (c *Controller) SetSpeed(channel, val int) error {
	if err := c.checkChannel(channel); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := []byte{cmdSetSpeed, byte(channel), byte(val & 0x7F), byte((val >> 7) & 0x7F)}
	if err := c.writeCommand(msg, "setSpeed"); err != nil {
		return err
	}
	c.props[channel].Speed = val
	return nil
}

// SpeedMove pairs a channel with a speed value.
type SpeedMove struct {
	Channel int
	Speed   int
}

// SetSpeedMulti sets several channels' speeds. With syncWait the cached
// position is re-commanded synchronously so the new speed takes effect.
func (c *Controller) SetSpeedMulti(moves []SpeedMove, syncWait bool) error {
	for _, m := range moves {
		if err := c.SetSpeed(m.Channel, m.Speed); err != nil {
			return err
		}
		if syncWait {
			c.mu.Lock()
			pos := c.props[m.Channel].Pos
			c.mu.Unlock()
			if _, err := c.SetPositionSync(m.Channel, pos, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetAcceleration commands a channel's acceleration and caches it.
func (c *Controller) SetAcceleration(channel, val int) error {
	if err := c.checkChannel(channel); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := []byte{cmdSetAcceleration, byte(channel), byte(val & 0x7F), byte((val >> 7) & 0x7F)}
	if err := c.writeCommand(msg, "setAcceleration"); err != nil {
		return err
	}
	c.props[channel].Acceleration = val
	return nil
}

// Position returns the cached position for a channel.
func (c *Controller) Position(channel int) (int, error) {
	if err := c.checkChannel(channel); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props[channel].Pos, nil
}

// PositionFromController queries the board for a channel's position in
// microseconds and refreshes the cache.
func (c *Controller) PositionFromController(channel int) (int, error) {
	if err := c.checkChannel(channel); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeCommand([]byte{cmdGetPosition, byte(channel)}, "getPosition"); err != nil {
		return 0, err
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(c.port, reply); err != nil {
		return 0, fmt.Errorf("%w: getPosition reply: %v", ErrShortRead, err)
	}
	pos := (int(reply[0]) | int(reply[1])<<8) / 4
	c.props[channel].Pos = pos
	return pos, nil
}

// Disable sends the zero-position disable pulse and marks the channel
// disabled. The last commanded position stays cached for re-enable.
func (c *Controller) Disable(channel int) error {
	if _, err := c.SetPosition(channel, 0); err != nil {
		return err
	}
	c.mu.Lock()
	c.props[channel].Disabled = true
	c.mu.Unlock()
	return nil
}

// Enable restores the channel's speed and cached position and clears the
// disabled flag.
func (c *Controller) Enable(channel int) error {
	c.mu.Lock()
	speed := c.props[channel].Speed
	pos := c.props[channel].Pos
	c.mu.Unlock()
	if err := c.SetSpeed(channel, speed); err != nil {
		return err
	}
	if _, err := c.SetPosition(channel, pos); err != nil {
		return err
	}
	c.mu.Lock()
	c.props[channel].Disabled = false
	c.mu.Unlock()
	return nil
}

// ReturnToHome drives a channel to its configured home position.
func (c *Controller) ReturnToHome(channel int, syncWait bool) (int, error) {
	if err := c.checkChannel(channel); err != nil {
		return 0, err
	}
	c.mu.Lock()
	home := c.props[channel].Home
	c.mu.Unlock()
	if syncWait {
		return c.SetPositionSync(channel, home, 0)
	}
	return c.SetPosition(channel, home)
}

// ReturnToHomeMulti drives several channels to their home positions.
func (c *Controller) ReturnToHomeMulti(channels []int, syncWait bool, timeout time.Duration) error {
	moves := make([]Move, 0, len(channels))
	for _, ch := range channels {
		if err := c.checkChannel(ch); err != nil {
			return err
		}
		c.mu.Lock()
		home := c.props[ch].Home
		c.mu.Unlock()
		moves = append(moves, Move{Channel: ch, Pos: home})
	}
	if syncWait {
		_, err := c.SetPositionMultiSync(moves, timeout)
		return err
	}
	_, err := c.SetPositionMulti(moves)
	return err
}

// writeCommand sends one protocol message; a short write fails the
// operation. The caller holds the mutex.
func (c *Controller) writeCommand(msg []byte, name string) error {
	if c.port == nil {
		return ErrPortNotOpen
	}
	n, err := c.port.Write(msg)
	if err != nil {
		return fmt.Errorf("%s command: %w", name, err)
	}
	if n != len(msg) {
		return fmt.Errorf("%w: %s sent %d of %d bytes", ErrShortWrite, name, n, len(msg))
	}
	return nil
}

func (c *Controller) checkChannel(channel int) error {
	if channel < 0 || channel >= MaxServos {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	return nil
}
