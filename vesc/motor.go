// Package vesc implements a motor driven by a VESC-class speed controller
// over a serial link.
package vesc

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

// Model for the viam supported VESC speed controller motor.
var Model = resource.NewModel("viam-modules", "vesc", "vesc")

const (
	defaultPort        = "/dev/ttyACM0"
	defaultBaudRate    = 115200
	defaultReadTimeout = time.Second

	// The controller disarms its output when duty commands stop arriving,
	// so the commanded duty is re-sent every commandInterval.
	defaultCommandInterval = 50 * time.Millisecond
	minCommandInterval     = 5 * time.Millisecond
	maxCommandInterval     = 500 * time.Millisecond

	// Bounded wait for the refresh goroutine to acknowledge cancellation.
	refreshJoinTimeout = 500 * time.Millisecond

	// Settle time at zero duty when the commanded direction reverses.
	directionSettle = 50 * time.Millisecond

	// Short timeout for diagnostic reads, distinct from the configured
	// link default.
	diagReadTimeout = 100 * time.Millisecond

	// Degraded-mode substitute when RPM control is unavailable: a fixed
	// power burst for a fixed time.
	fallbackPower   = 0.5
	fallbackRunTime = 2 * time.Second

	defaultRampRate = 2.0 // duty fraction per second
)

// Config describes how to reach the speed controller.
type Config struct {
	Port              string  `json:"port,omitempty"`
	Baudrate          int     `json:"baudrate,omitempty"`
	TimeoutSec        float64 `json:"timeout_sec,omitempty"`
	Debug             bool    `json:"debug,omitempty"`
	CommandIntervalMS int     `json:"command_interval_ms,omitempty"`
	RampUpEnabled     bool    `json:"ramp_up_enabled,omitempty"`
	RampUpRate        float64 `json:"ramp_up_rate,omitempty"`
	ProtocolVariant   string  `json:"protocol_variant,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	if config.Baudrate < 0 {
		return nil, nil, errors.New("baudrate cannot be negative")
	}
	if config.TimeoutSec < 0 {
		return nil, nil, errors.New("timeout_sec cannot be negative")
	}
	if config.CommandIntervalMS != 0 {
		interval := time.Duration(config.CommandIntervalMS) * time.Millisecond
		if interval < minCommandInterval || interval > maxCommandInterval {
			return nil, nil, errors.Errorf("command_interval_ms must be between %d and %d",
				minCommandInterval.Milliseconds(), maxCommandInterval.Milliseconds())
		}
	}
	if config.RampUpRate < 0 {
		return nil, nil, errors.New("ramp_up_rate cannot be negative")
	}
	if _, err := parseFraming(config.ProtocolVariant); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor represents a brushless motor behind a VESC speed controller on a
// serial link.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild

	logger    logging.Logger
	motorName string
	lk        link
	cmds      *commandWriter
	opMgr     *operation.SingleOperationManager

	// mu is the single critical section every public motion operation
	// runs under; the duty refresh goroutine is the one writer outside
	// it and is always joined before a foreground write.
	mu              sync.Mutex
	targetPower     float64
	currentPower    float64
	currentRPM      float64
	position        float64 // open-loop estimate in revolutions, no hardware feedback
	powered         bool
	moving          bool
	debug           bool
	commandInterval time.Duration
	rampEnabled     bool
	rampRate        float64
	lastCommand     time.Time

	refreshStop chan struct{}
	refreshDone chan struct{}

	cancelCtx context.Context
	cancel    func()
}

// newMotor opens the configured serial port and returns a VESC driven motor.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	cfg := *conf

	if cfg.Port == "" {
		logger.CWarnf(ctx, "port not set, defaulting to %s", defaultPort)
		cfg.Port = defaultPort
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultBaudRate
	}
	readTimeout := defaultReadTimeout
	if cfg.TimeoutSec != 0 {
		readTimeout = time.Duration(cfg.TimeoutSec * float64(time.Second))
	}

	lk, err := openLink(cfg.Port, cfg.Baudrate, readTimeout)
	if err != nil {
		return nil, err
	}
	logger.CInfof(ctx, "connected to VESC on %s at %d baud", cfg.Port, cfg.Baudrate)

	return makeMotor(ctx, deps, cfg, c.ResourceName(), logger, lk)
}

// makeMotor returns a VESC driven motor on an already-open link. It is
// separate from newMotor so a fake link can be injected during testing.
func makeMotor(ctx context.Context, _ resource.Dependencies, c Config, name resource.Name,
	logger logging.Logger, lk link,
) (motor.Motor, error) {
	variant, err := parseFraming(c.ProtocolVariant)
	if err != nil {
		return nil, err
	}

	interval := defaultCommandInterval
	if c.CommandIntervalMS != 0 {
		interval = time.Duration(c.CommandIntervalMS) * time.Millisecond
	}
	rampRate := c.RampUpRate
	if rampRate == 0 {
		rampRate = defaultRampRate
	}

	cw := &commandWriter{lk: lk, variant: variant, logger: logger}
	cw.debug.Store(c.Debug)

	cancelCtx, cancel := context.WithCancel(context.Background())
	m := &Motor{
		Named:     name.AsNamed(),
		logger:    logger,
		motorName: name.ShortName(),
		lk:        lk,
		cmds:      cw,
		opMgr:           operation.NewSingleOperationManager(),
		debug:           c.Debug,
		commandInterval: interval,
		rampEnabled:     c.RampUpEnabled,
		rampRate:        rampRate,
		cancelCtx:       cancelCtx,
		cancel:          cancel,
	}

	// A telemetry probe tells us early whether anything is listening.
	// Failure is only a warning: the controller may simply be powered
	// down right now.
	if resp, err := m.readTelemetry(diagReadTimeout); err != nil || resp == nil {
		logger.CWarn(ctx, "connection test failed, controller did not answer telemetry request; motor may not respond")
	} else {
		logger.CInfo(ctx, "connection test successful")
	}

	return m, nil
}

// readTelemetry requests a raw telemetry frame and waits up to timeout for
// the reply. A nil frame with nil error means the controller stayed silent
// or answered with noise.
func (m *Motor) readTelemetry(timeout time.Duration) (*frame, error) {
	if err := m.cmds.send(commGetValues, nil); err != nil {
		return nil, err
	}
	f, err := readTelemetryFrame(m.lk, timeout)
	if err != nil {
		return nil, err
	}
	if f != nil && f.id != commGetValues {
		// A reply to something else is noise as far as we're concerned.
		return nil, nil
	}
	return f, nil
}

func clampPower(power float64) float64 {
	return math.Max(-1, math.Min(1, power))
}

func stepToward(cur, target, step float64) float64 {
	if math.Abs(target-cur) <= step {
		return target
	}
	if target > cur {
		return cur + step
	}
	return cur - step
}

// rateLimitLocked spaces one-shot commands at least commandInterval apart so
// the controller isn't flooded.
func (m *Motor) rateLimitLocked() {
	if since := time.Since(m.lastCommand); since < m.commandInterval {
		time.Sleep(m.commandInterval - since)
	}
	m.lastCommand = time.Now()
}

// startRefreshLocked launches the duty refresh goroutine. The controller
// disarms output unless re-commanded within its own timeout window, so this
// loop is a correctness requirement, not an optimization. mu must be held.
func (m *Motor) startRefreshLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	m.refreshStop = stop
	m.refreshDone = done
	interval := m.commandInterval

	utils.PanicCapturingGo(func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-m.cancelCtx.Done():
				return
			case <-time.After(interval):
			}

			if !m.lk.isOpen() {
				// Link replaced or closed underneath us.
				return
			}

			// A foreground operation holding the lock is mid
			// transition and will command the controller itself;
			// skip the tick rather than block behind it, which
			// would also stall its bounded join on us.
			if !m.mu.TryLock() {
				continue
			}
			// Re-check stop so a foreground operation that just
			// signalled us never sees one more stale write.
			select {
			case <-stop:
				m.mu.Unlock()
				return
			default:
			}
			interval = m.commandInterval
			power := m.targetPower
			if m.rampEnabled {
				power = stepToward(m.currentPower, m.targetPower, m.rampRate*interval.Seconds())
				m.currentPower = power
			}
			m.mu.Unlock()

			// A dropped refresh is recovered by the next tick.
			if err := m.cmds.sendPower(power); err != nil {
				m.logger.CWarnf(m.cancelCtx, "duty refresh write failed: %v", err)
			}
		}
	})
}

// stopRefreshLocked signals the refresh goroutine and waits, bounded, for it
// to exit so no refresh write can race the caller's own commands. After the
// bound elapses we proceed regardless. mu must be held.
func (m *Motor) stopRefreshLocked() {
	if m.refreshStop == nil {
		return
	}
	close(m.refreshStop)
	select {
	case <-m.refreshDone:
	case <-time.After(refreshJoinTimeout):
		m.logger.Warn("duty refresh loop did not exit within bound, proceeding")
	}
	m.refreshStop = nil
	m.refreshDone = nil
}

// restoreRefreshLocked restarts the refresh loop for a still-commanded
// target after a failed transition, so a write error never leaves the
// controller reported as powered with nothing re-commanding it. mu must be
// held.
func (m *Motor) restoreRefreshLocked() {
	if m.targetPower != 0 && m.refreshStop == nil {
		m.startRefreshLocked()
	}
}

// withRefreshPausedLocked runs fn with the refresh loop quiesced so fn is
// the only writer on the link, then restarts the loop if a target power is
// still commanded. mu must be held.
func (m *Motor) withRefreshPausedLocked(fn func() error) error {
	running := m.refreshStop != nil
	m.stopRefreshLocked()
	err := fn()
	if running && m.targetPower != 0 {
		m.startRefreshLocked()
	}
	return err
}

// SetPower commands the given fraction of full drive in [-1, 1] and keeps
// re-commanding it in the background until stopped or re-commanded.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	powerPct = clampPower(powerPct)
	m.stopRefreshLocked()

	// An abrupt sign reversal can glitch the drive stage. Pass through
	// zero duty and let the controller settle before commanding the
	// opposite direction.
	if powerPct != 0 && m.targetPower != 0 && math.Signbit(powerPct) != math.Signbit(m.targetPower) {
		if err := m.cmds.sendPower(0); err != nil {
			m.restoreRefreshLocked()
			return errors.Wrapf(err, "error in SetPower from motor (%s)", m.motorName)
		}
		if !utils.SelectContextOrWait(ctx, directionSettle) {
			m.restoreRefreshLocked()
			return ctx.Err()
		}
	}

	if powerPct == 0 {
		// Same policy as Stop: the commanded state goes idle even when
		// the zero-duty write fails.
		err := m.cmds.sendPower(0)
		m.targetPower = 0
		m.currentPower = 0
		m.currentRPM = 0
		m.powered = false
		m.moving = false
		if err != nil {
			return errors.Wrapf(err, "error in SetPower from motor (%s)", m.motorName)
		}
		return nil
	}

	first := powerPct
	if m.rampEnabled {
		first = stepToward(m.currentPower, powerPct, m.rampRate*m.commandInterval.Seconds())
	}
	if err := m.cmds.sendPower(first); err != nil {
		m.restoreRefreshLocked()
		return errors.Wrapf(err, "error in SetPower from motor (%s)", m.motorName)
	}

	m.targetPower = powerPct
	m.currentPower = first
	m.powered = true
	m.moving = true
	m.startRefreshLocked()
	return nil
}

// SetRPM instructs the motor to move at the specified RPM indefinitely. RPM
// control is closed on the controller side, so no background refresh runs in
// this mode.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopRefreshLocked()
	m.rateLimitLocked()

	if err := m.cmds.send(commSetRPM, encodeRPM(rpm)); err != nil {
		m.restoreRefreshLocked()
		return errors.Wrapf(err, "error in SetRPM from motor (%s)", m.motorName)
	}
	// Speed control replaces duty control; no power target remains.
	m.targetPower = 0
	m.currentPower = 0
	m.currentRPM = rpm
	m.powered = rpm != 0
	m.moving = rpm != 0
	return nil
}

// GoFor turns the given number of revolutions at the given RPM. The
// controller reports no usable position feedback, so motion is open loop:
// an RPM command, a computed wait, then a stop.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	if rpm == 0 {
		return motor.NewZeroRPMError()
	}
	if revolutions == 0 {
		return m.Stop(ctx, extra)
	}

	ctx, done := m.opMgr.New(ctx)
	defer done()

	m.mu.Lock()
	m.stopRefreshLocked()
	m.rateLimitLocked()
	err := m.cmds.send(commSetRPM, encodeRPM(rpm))
	if err == nil {
		m.targetPower = 0
		m.currentPower = 0
		m.currentRPM = rpm
		m.powered = true
		m.moving = true
	}
	m.mu.Unlock()

	if err != nil {
		// Degraded mode: without RPM control, approximate the motion
		// with a fixed power burst for a fixed time. Accuracy is
		// unspecified on this path and the position estimate is not
		// advanced.
		m.logger.CWarnf(ctx, "rpm control unavailable on motor (%s), falling back to timed power: %v", m.motorName, err)
		power := fallbackPower
		if rpm < 0 {
			power = -fallbackPower
		}

		m.mu.Lock()
		sendErr := m.cmds.sendPower(power)
		if sendErr == nil {
			m.targetPower = power
			m.currentPower = power
			m.powered = true
			m.moving = true
			m.startRefreshLocked()
		} else {
			m.restoreRefreshLocked()
		}
		m.mu.Unlock()
		if sendErr != nil {
			return errors.Wrapf(sendErr, "error in GoFor from motor (%s)", m.motorName)
		}

		if !utils.SelectContextOrWait(ctx, fallbackRunTime) {
			return ctx.Err()
		}
		return m.Stop(ctx, extra)
	}

	wait := time.Duration(math.Abs(revolutions/rpm) * 60 * float64(time.Second))
	if !utils.SelectContextOrWait(ctx, wait) {
		return ctx.Err()
	}
	if err := m.Stop(ctx, extra); err != nil {
		return err
	}

	m.mu.Lock()
	m.position += revolutions
	m.mu.Unlock()
	return nil
}

// GoTo moves to the given position (in revolutions from zero) at the given
// RPM by delegating to GoFor. Nothing corrects for drift between calls.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	m.mu.Lock()
	revolutions := positionRevolutions - m.position
	m.mu.Unlock()
	return m.GoFor(ctx, rpm, revolutions, extra)
}

// ResetZeroPosition resets the position estimate to the given offset. The
// hardware is not touched.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = offset
	return nil
}

// Position gives the current position estimate in revolutions.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// Stop cancels any running motion, sends a zero duty command, and resets
// the commanded state. Safe to call repeatedly.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Motor) stopLocked() error {
	m.stopRefreshLocked()
	err := m.cmds.sendPower(0)
	m.targetPower = 0
	m.currentPower = 0
	m.currentRPM = 0
	m.powered = false
	m.moving = false
	if err != nil {
		return errors.Wrapf(err, "error in Stop from motor (%s)", m.motorName)
	}
	return nil
}

// IsPowered returns whether the motor is commanded on and at what fraction
// of full drive.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powered, m.currentPower, nil
}

// IsMoving returns whether the motor is believed to be moving. Open loop:
// this reflects the commanded state, not measured shaft motion.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving, nil
}

// Close stops the refresh loop, commands zero duty, and releases the serial
// port.
func (m *Motor) Close(ctx context.Context) error {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopRefreshLocked()

	var stopErr error
	if m.lk.isOpen() {
		stopErr = m.cmds.sendPower(0)
	}
	return multierr.Combine(stopErr, m.lk.close())
}
