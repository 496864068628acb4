package vesc

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// VESC COMM packet ids. The firmware catalog is far larger; only the ids
// this driver actually exercises are named.
const (
	commSetDuty    byte = 0x00
	commSetCurrent byte = 0x01
	commSetRPM     byte = 0x03
	commGetValues  byte = 0x27
	commAlive      byte = 0x3A
)

const (
	// dutyScale converts a [-1, 1] duty fraction to the scaled-integer
	// duty units some firmware revisions expect.
	dutyScale = 100000
	// currentFallbackScale maps a duty fraction onto amps when duty
	// control is unavailable and we degrade to current control.
	currentFallbackScale = 10.0
)

func encodeDutyFloat(power float64) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(float32(power)))
	return buf
}

func encodeDutyInt(power float64) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(int32(math.Round(power*dutyScale))))
	return buf
}

func encodeCurrent(amps float64) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(float32(amps)))
	return buf
}

func encodeRPM(rpm float64) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(int32(rpm)))
	return buf
}

// commandWriter issues logical commands to the controller over one framing
// dialect. debug is atomic because the refresh goroutine reads it while
// DoCommand toggles it.
type commandWriter struct {
	lk      link
	variant framing
	logger  logging.Logger
	debug   atomic.Bool
}

func (w *commandWriter) send(id byte, payload []byte) error {
	pkt := encodeFrame(id, payload, w.variant)
	if w.debug.Load() {
		w.logger.Debugf("tx % x", pkt)
	}
	return w.lk.write(pkt)
}

// sendPower writes the commanded duty fraction, trying the float encoding
// first and degrading to the scaled-integer duty and finally to a current
// command. Firmware revisions disagree on which encoding they accept, so
// each fallback is an independent write attempt.
func (w *commandWriter) sendPower(power float64) error {
	floatErr := w.send(commSetDuty, encodeDutyFloat(power))
	if floatErr == nil {
		return nil
	}

	intErr := w.send(commSetDuty, encodeDutyInt(power))
	if intErr == nil {
		return nil
	}

	currentErr := w.send(commSetCurrent, encodeCurrent(power*currentFallbackScale))
	if currentErr == nil {
		return nil
	}

	return errors.Wrap(
		multierr.Combine(floatErr, intErr, currentErr),
		"all power command encodings failed to write",
	)
}
