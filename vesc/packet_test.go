package vesc

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"go.viam.com/test"
)

// crc16Reference is a straight bitwise rendition of the polynomial used by
// the controller firmware, kept independent of the table-driven path.
func crc16Reference(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func TestChecksumKnownVector(t *testing.T) {
	// CRC16/XMODEM check value for the standard test string.
	test.That(t, checksum([]byte("123456789")), test.ShouldEqual, uint16(0x31C3))
	test.That(t, checksum(nil), test.ShouldEqual, uint16(0))
}

func TestChecksumMatchesBitwise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		data := make([]byte, rng.Intn(64))
		rng.Read(data)
		test.That(t, checksum(data), test.ShouldEqual, crc16Reference(data))
	}
}

func TestParseFraming(t *testing.T) {
	v, err := parseFraming("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, framingSimple)

	v, err = parseFraming("simple")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, framingSimple)

	v, err = parseFraming("extended")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, framingExtended)

	_, err = parseFraming("binary")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSimpleFrameRoundTrip(t *testing.T) {
	payload := []byte{0x3F, 0x00, 0x00, 0x00}
	raw := encodeFrame(commSetDuty, payload, framingSimple)

	test.That(t, raw[0], test.ShouldEqual, byte(frameStart))
	test.That(t, raw[1], test.ShouldEqual, byte(len(payload)+1))
	test.That(t, raw[len(raw)-1], test.ShouldEqual, byte(frameEnd))

	lk := newFakeLink()
	lk.queue(raw)
	f, err := readSimpleFrame(lk, time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldNotBeNil)
	test.That(t, f.id, test.ShouldEqual, commSetDuty)
	test.That(t, f.payload, test.ShouldResemble, payload)
}

func TestSimpleFrameEmptyPayload(t *testing.T) {
	lk := newFakeLink()
	lk.queue(encodeFrame(commAlive, nil, framingSimple))
	f, err := readSimpleFrame(lk, time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldNotBeNil)
	test.That(t, f.id, test.ShouldEqual, commAlive)
	test.That(t, f.payload, test.ShouldHaveLength, 0)
}

func TestExtendedFrameRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x00, 0xC3, 0x50}
	raw := encodeFrame(commSetDuty, payload, framingExtended)
	test.That(t, raw[0], test.ShouldEqual, byte(hdrShort))

	lk := newFakeLink()
	lk.queue(raw)
	f, err := readExtendedFrame(lk, time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldNotBeNil)
	test.That(t, f.id, test.ShouldEqual, commSetDuty)
	test.That(t, f.payload, test.ShouldResemble, payload)
}

func TestExtendedFrameLongHeader(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := encodeFrame(commGetValues, payload, framingExtended)
	test.That(t, raw[0], test.ShouldEqual, byte(hdrLong))
	test.That(t, binary.BigEndian.Uint16(raw[1:3]), test.ShouldEqual, uint16(len(payload)+1))

	lk := newFakeLink()
	lk.queue(raw)
	f, err := readExtendedFrame(lk, time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldNotBeNil)
	test.That(t, f.id, test.ShouldEqual, commGetValues)
	test.That(t, f.payload, test.ShouldResemble, payload)
}

// buildTelemetryFrame lays out the undelimited inbound telemetry format:
// id, u16 length, payload, CRC over all of the preceding bytes.
func buildTelemetryFrame(id byte, payload []byte) []byte {
	raw := make([]byte, 0, len(payload)+5)
	raw = append(raw, id)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(payload)))
	raw = append(raw, payload...)
	return binary.BigEndian.AppendUint16(raw, checksum(raw[:len(raw)]))
}

func TestTelemetryFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	lk := newFakeLink()
	lk.queue(buildTelemetryFrame(commGetValues, payload))
	f, err := readTelemetryFrame(lk, time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldNotBeNil)
	test.That(t, f.id, test.ShouldEqual, commGetValues)
	test.That(t, f.payload, test.ShouldResemble, payload)
}

func TestReadFrameSilence(t *testing.T) {
	for _, v := range []framing{framingSimple, framingExtended} {
		f, err := readFrame(newFakeLink(), v, time.Millisecond)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f, test.ShouldBeNil)
	}
	f, err := readTelemetryFrame(newFakeLink(), time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldBeNil)
}

func TestCorruptionRejected(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	// Simple framing: payload occupies bytes 3..6, CRC bytes 7..8.
	raw := encodeFrame(commSetRPM, payload, framingSimple)
	for idx := 3; idx < len(raw)-1; idx++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := make([]byte, len(raw))
			copy(corrupt, raw)
			corrupt[idx] ^= 1 << bit

			lk := newFakeLink()
			lk.queue(corrupt)
			f, err := readSimpleFrame(lk, time.Millisecond)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, f, test.ShouldBeNil)
		}
	}

	// Extended framing: payload occupies bytes 3..6, CRC bytes 7..8.
	raw = encodeFrame(commSetRPM, payload, framingExtended)
	for idx := 3; idx < len(raw)-1; idx++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := make([]byte, len(raw))
			copy(corrupt, raw)
			corrupt[idx] ^= 1 << bit

			lk := newFakeLink()
			lk.queue(corrupt)
			f, err := readExtendedFrame(lk, time.Millisecond)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, f, test.ShouldBeNil)
		}
	}
}

func TestWrongDelimiterRejected(t *testing.T) {
	raw := encodeFrame(commAlive, nil, framingSimple)

	badStart := make([]byte, len(raw))
	copy(badStart, raw)
	badStart[0] = 0x55
	lk := newFakeLink()
	lk.queue(badStart)
	f, err := readSimpleFrame(lk, time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldBeNil)

	badEnd := make([]byte, len(raw))
	copy(badEnd, raw)
	badEnd[len(badEnd)-1] = 0x55
	lk = newFakeLink()
	lk.queue(badEnd)
	f, err = readSimpleFrame(lk, time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldBeNil)
}
