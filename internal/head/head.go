// Package head drives the animated robot head over a serial line.
//
// The head runs its own microcontroller firmware. The protocol is
// newline-framed plain-text commands: gesture names the firmware animates
// autonomously (nod toward a speaker, thinking sway, talking bob, neutral
// park), absolute gaze angles, and tracking-mode markers. The firmware
// answers every command with an acknowledgement line; nothing in this
// pipeline waits on those, so a reader goroutine drains them into the debug
// log and the link stays fire-and-forget.
//
// The link is best-effort by design. The conversation pipeline keeps working
// with the head unplugged: sends fail fast, the driver retries the port on a
// backoff, and callers log instead of aborting a turn.
package head

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/lingobotics/lingo/internal/observe"
)

// Gesture is a named animation the firmware runs autonomously.
type Gesture string

// Gestures understood by the head firmware.
const (
	GestureListenLeft  Gesture = "listen_left"
	GestureListenRight Gesture = "listen_right"
	GestureThink       Gesture = "think"
	GestureTalk        Gesture = "talk"
	GestureStop        Gesture = "stop"
	GesturePark        Gesture = "park"
)

// Servo safe ranges in degrees. Gaze commands are clamped to these, never
// rejected: the firmware would hit its mechanical stops outside them.
const (
	GazeUDMin = 135.0
	GazeUDMax = 165.0
	GazeLRMin = 60.0
	GazeLRMax = 110.0
)

// Neutral gaze pose, used when tracking starts.
const (
	GazeUDCenter = 140.0
	GazeLRCenter = 85.0
)

// Connection defaults.
const (
	DefaultBaud       = 115200
	DefaultBootSettle = 1500 * time.Millisecond

	// reconnectBackoff spaces out reopen attempts while the head is
	// unplugged, so a chatty caller does not hammer the device node.
	reconnectBackoff = 2500 * time.Millisecond
)

// Controller is what the turn pipeline and the face tracker need from the
// head: fire-and-forget gestures, absolute gaze angles, and the tracking
// mode switch.
type Controller interface {
	// Gesture plays a named animation.
	Gesture(ctx context.Context, g Gesture) error

	// Gaze points the eyes at absolute up/down and left/right angles in
	// degrees, clamped to the servo safe ranges.
	Gaze(ctx context.Context, ud, lr float64) error

	// SetTracking tells the firmware whether gaze commands will follow; it
	// suspends idle animations while tracking is on.
	SetTracking(ctx context.Context, on bool) error
}

// Timings tune the firmware's autonomous animation cycles. They are pushed
// once per connection; zero fields are not sent.
type Timings struct {
	// TotalListen bounds how long a listening pose is held.
	TotalListen time.Duration

	// TotalThink bounds how long the thinking sway runs.
	TotalThink time.Duration

	// TalkCycle is the period of the talking bob.
	TalkCycle time.Duration

	// Return is how long the head takes to drift back to neutral.
	Return time.Duration
}

// Config configures a Driver.
type Config struct {
	// Port is the serial device path. Empty means auto-discovery: the first
	// ACM device, then the first USB device.
	Port string

	// Baud is the line rate. Zero means 115200.
	Baud int

	// BootSettle is how long to wait after opening the port before using
	// it. Opening asserts DTR, which resets the microcontroller; the settle
	// covers its bootloader and boot banner. Zero means 1.5s.
	BootSettle time.Duration

	// Timings are pushed to the firmware after connecting.
	Timings Timings

	// Metrics receives command instrumentation. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// link is the serial surface the driver uses; [serial.Port] satisfies it.
type link interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
}

// Driver is the serial implementation of Controller. It connects lazily on
// the first send, pushes the configured timings, and drops the link on any
// write failure so the next send can retry. Safe for concurrent use; writes
// are serialized.
type Driver struct {
	cfg     Config
	metrics *observe.Metrics

	// open and list are indirections over the serial library for tests.
	open func(name string, baud int) (link, error)
	list func() ([]string, error)

	mu          sync.Mutex
	port        link
	lastAttempt time.Time
	closed      bool
}

// Compile-time interface assertion.
var _ Controller = (*Driver)(nil)

// NewDriver returns an unconnected Driver. The port is opened on Connect or
// on the first send.
func NewDriver(cfg Config) *Driver {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.BootSettle <= 0 {
		cfg.BootSettle = DefaultBootSettle
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Driver{
		cfg:     cfg,
		metrics: m,
		open: func(name string, baud int) (link, error) {
			return serial.Open(name, &serial.Mode{BaudRate: baud})
		},
		list: serial.GetPortsList,
	}
}

// Connect opens the serial link now instead of on the first send, so startup
// can fail loudly and park the head before conversation begins.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("head: driver closed")
	}
	return d.ensureLocked(ctx)
}

// Connected reports whether the serial link is currently up.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

// Gesture implements Controller.
func (d *Driver) Gesture(ctx context.Context, g Gesture) error {
	if err := d.send(ctx, string(g)); err != nil {
		return err
	}
	d.metrics.RecordGestureSend(ctx, string(g))
	return nil
}

// Gaze implements Controller.
func (d *Driver) Gaze(ctx context.Context, ud, lr float64) error {
	cmd := fmt.Sprintf("gaze %.1f %.1f",
		clamp(ud, GazeUDMin, GazeUDMax),
		clamp(lr, GazeLRMin, GazeLRMax))
	if err := d.send(ctx, cmd); err != nil {
		return err
	}
	d.metrics.RecordGestureSend(ctx, "gaze")
	return nil
}

// SetTracking implements Controller.
func (d *Driver) SetTracking(ctx context.Context, on bool) error {
	cmd := "track_off"
	if on {
		cmd = "track_on"
	}
	if err := d.send(ctx, cmd); err != nil {
		return err
	}
	d.metrics.RecordGestureSend(ctx, cmd)
	return nil
}

// Close drops the serial link. The driver cannot be reused afterwards.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.dropLocked()
	return nil
}

// send writes one newline-framed command, connecting first when needed.
func (d *Driver) send(ctx context.Context, cmd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("head: driver closed")
	}
	if err := d.ensureLocked(ctx); err != nil {
		return err
	}
	if err := d.writeLocked(cmd); err != nil {
		return err
	}
	slog.Debug("head: sent", "cmd", cmd)
	return nil
}

// writeLocked frames and writes one command. A failed write closes the port
// so the next send reopens it. Callers must hold d.mu.
func (d *Driver) writeLocked(cmd string) error {
	line := strings.TrimSpace(cmd) + "\n"
	if _, err := d.port.Write([]byte(line)); err != nil {
		d.dropLocked()
		return fmt.Errorf("head: send %q: %w", cmd, err)
	}
	return nil
}

// ensureLocked opens the link when it is down, rate-limited by
// reconnectBackoff. Callers must hold d.mu.
func (d *Driver) ensureLocked(ctx context.Context) error {
	if d.port != nil {
		return nil
	}
	if since := time.Since(d.lastAttempt); since < reconnectBackoff {
		return fmt.Errorf("head: link down, retrying in %v", (reconnectBackoff - since).Round(time.Millisecond))
	}
	d.lastAttempt = time.Now()

	name := d.cfg.Port
	if name == "" {
		var err error
		if name, err = d.pickPort(); err != nil {
			return err
		}
	}

	p, err := d.open(name, d.cfg.Baud)
	if err != nil {
		return fmt.Errorf("head: open %s: %w", name, err)
	}

	// Opening resets the microcontroller. Wait out its bootloader, discard
	// the boot banner, then deassert the reset lines so later opens leave
	// it running. Clone adapters without the lines just ignore these.
	select {
	case <-time.After(d.cfg.BootSettle):
	case <-ctx.Done():
		p.Close()
		return fmt.Errorf("head: %w", ctx.Err())
	}
	_ = p.ResetInputBuffer()
	_ = p.SetDTR(false)
	_ = p.SetRTS(false)

	d.port = p
	go d.readAcks(p)
	slog.Info("head: connected", "port", name, "baud", d.cfg.Baud)

	for _, cmd := range d.timingCommands() {
		if err := d.writeLocked(cmd); err != nil {
			return err
		}
	}
	return nil
}

// pickPort chooses the head's serial port: ACM devices (native USB boards)
// sort before USB (serial adapter clones), then by name.
func (d *Driver) pickPort() (string, error) {
	all, err := d.list()
	if err != nil {
		return "", fmt.Errorf("head: list serial ports: %w", err)
	}
	var ports []string
	for _, p := range all {
		if strings.Contains(p, "ACM") || strings.Contains(p, "USB") {
			ports = append(ports, p)
		}
	}
	if len(ports) == 0 {
		return "", errors.New("head: no serial port found")
	}
	slices.SortFunc(ports, func(a, b string) int {
		if r := portRank(a) - portRank(b); r != 0 {
			return r
		}
		return strings.Compare(a, b)
	})
	return ports[0], nil
}

func portRank(p string) int {
	if strings.Contains(p, "ACM") {
		return 0
	}
	return 1
}

// timingCommands renders the configured firmware timings as set_* commands.
func (d *Driver) timingCommands() []string {
	t := d.cfg.Timings
	var cmds []string
	if t.TotalListen > 0 {
		cmds = append(cmds, fmt.Sprintf("set_total_listen %d", t.TotalListen.Milliseconds()))
	}
	if t.TotalThink > 0 {
		cmds = append(cmds, fmt.Sprintf("set_total_think %d", t.TotalThink.Milliseconds()))
	}
	if t.TalkCycle > 0 {
		cmds = append(cmds, fmt.Sprintf("set_talk_cycle %d", t.TalkCycle.Milliseconds()))
	}
	if t.Return > 0 {
		cmds = append(cmds, fmt.Sprintf("set_return %d", t.Return.Milliseconds()))
	}
	return cmds
}

// readAcks drains firmware acknowledgement lines into the debug log until
// the port dies or is closed. Nothing waits on acks; the head is animated
// open-loop.
func (d *Driver) readAcks(p link) {
	sc := bufio.NewScanner(p)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			slog.Debug("head: firmware", "line", line)
		}
	}
}

// dropLocked closes and forgets the port. Callers must hold d.mu.
func (d *Driver) dropLocked() {
	if d.port != nil {
		_ = d.port.Close()
		d.port = nil
	}
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
