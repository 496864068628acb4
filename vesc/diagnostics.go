package vesc

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Diagnostic command names accepted by DoCommand.
const (
	cmdGetValues          = "get_values"
	cmdGetValuesAlias     = "get_vesc_values"
	cmdPing               = "ping"
	cmdSetCurrent         = "set_current"
	cmdTestConnection     = "test_connection"
	cmdSetDebug           = "set_debug"
	cmdGetStatus          = "get_status"
	cmdSetCommandInterval = "set_command_interval"
	cmdSetRamp            = "set_ramp"
	cmdForceStop          = "force_stop"
	cmdClearBuffers       = "clear_buffers"
)

// Number of zero-duty writes issued by force_stop.
const forceStopBursts = 3

func diagError(msg string) map[string]interface{} {
	return map[string]interface{}{"status": "error", "message": msg}
}

func floatArg(cmd map[string]interface{}, key string) (float64, bool) {
	switch v := cmd[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func boolArg(cmd map[string]interface{}, key string) (bool, bool) {
	v, ok := cmd[key].(bool)
	return v, ok
}

// DoCommand executes diagnostic operations against the controller. Bad
// arguments and controller silence come back as structured error results;
// only a missing command name is a hard error.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or non-string %q field in %v", "command", cmd)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case cmdGetValues, cmdGetValuesAlias:
		var f *frame
		err := m.withRefreshPausedLocked(func() error {
			var err error
			f, err = m.readTelemetry(diagReadTimeout)
			return err
		})
		if err != nil {
			return diagError("failed to request telemetry: " + err.Error()), nil
		}
		if f == nil {
			return diagError("no telemetry response"), nil
		}
		return map[string]interface{}{
			"status": "success",
			"data":   hex.EncodeToString(f.payload),
			"length": len(f.payload),
		}, nil

	case cmdPing:
		var f *frame
		err := m.withRefreshPausedLocked(func() error {
			if err := m.cmds.send(commAlive, nil); err != nil {
				return err
			}
			var err error
			f, err = readFrame(m.lk, m.cmds.variant, diagReadTimeout)
			return err
		})
		if err != nil {
			return diagError("failed to send ping: " + err.Error()), nil
		}
		if f == nil {
			return diagError("no response to ping"), nil
		}
		return map[string]interface{}{
			"status":   "success",
			"response": hex.EncodeToString(append([]byte{f.id}, f.payload...)),
		}, nil

	case cmdSetCurrent:
		amps, ok := floatArg(cmd, "current")
		if !ok {
			return diagError("invalid current value"), nil
		}
		err := m.withRefreshPausedLocked(func() error {
			return m.cmds.send(commSetCurrent, encodeCurrent(amps))
		})
		if err != nil {
			return diagError("failed to set current: " + err.Error()), nil
		}
		return map[string]interface{}{"status": "success", "current": amps}, nil

	case cmdTestConnection:
		var f *frame
		err := m.withRefreshPausedLocked(func() error {
			var err error
			f, err = m.readTelemetry(diagReadTimeout)
			return err
		})
		if err != nil || f == nil {
			return diagError("connection test failed"), nil
		}
		return map[string]interface{}{"status": "success", "message": "connection test passed"}, nil

	case cmdSetDebug:
		debug, ok := boolArg(cmd, "debug")
		if !ok {
			return diagError("invalid debug value"), nil
		}
		m.debug = debug
		m.cmds.debug.Store(debug)
		return map[string]interface{}{"status": "success", "debug_mode": debug}, nil

	case cmdGetStatus:
		return map[string]interface{}{
			"status":              "success",
			"is_powered":          m.powered,
			"is_moving":           m.moving,
			"current_power":       m.currentPower,
			"target_power":        m.targetPower,
			"current_rpm":         m.currentRPM,
			"position":            m.position,
			"debug_mode":          m.debug,
			"command_interval_ms": m.commandInterval.Milliseconds(),
			"ramp_enabled":        m.rampEnabled,
			"ramp_rate":           m.rampRate,
		}, nil

	case cmdSetCommandInterval:
		ms, ok := floatArg(cmd, "interval_ms")
		if !ok {
			return diagError("invalid interval_ms value"), nil
		}
		interval := time.Duration(ms) * time.Millisecond
		if interval < minCommandInterval || interval > maxCommandInterval {
			return diagError(fmt.Sprintf("interval_ms must be between %d and %d",
				minCommandInterval.Milliseconds(), maxCommandInterval.Milliseconds())), nil
		}
		m.commandInterval = interval
		return map[string]interface{}{"status": "success", "interval_ms": interval.Milliseconds()}, nil

	case cmdSetRamp:
		enabled, ok := boolArg(cmd, "enabled")
		if !ok {
			return diagError("invalid enabled value"), nil
		}
		if rate, ok := floatArg(cmd, "rate"); ok {
			if rate <= 0 {
				return diagError("rate must be positive"), nil
			}
			m.rampRate = rate
		}
		m.rampEnabled = enabled
		return map[string]interface{}{
			"status":       "success",
			"ramp_enabled": m.rampEnabled,
			"ramp_rate":    m.rampRate,
		}, nil

	case cmdForceStop:
		m.stopRefreshLocked()
		var errs error
		for i := 0; i < forceStopBursts; i++ {
			errs = multierr.Combine(errs, m.cmds.sendPower(0))
		}
		m.targetPower = 0
		m.currentPower = 0
		m.currentRPM = 0
		m.powered = false
		m.moving = false
		if errs != nil {
			return diagError("force stop writes failed: " + errs.Error()), nil
		}
		return map[string]interface{}{"status": "success", "message": "motor force stopped"}, nil

	case cmdClearBuffers:
		if err := multierr.Combine(m.lk.flushInput(), m.lk.flushOutput()); err != nil {
			return diagError("failed to clear buffers: " + err.Error()), nil
		}
		return map[string]interface{}{"status": "success", "message": "buffers cleared"}, nil

	default:
		return diagError(fmt.Sprintf("unknown command: %s", name)), nil
	}
}
