package vesc

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
)

// Frame delimiters shared by the delimited layouts.
const (
	frameStart = 0x02
	frameEnd   = 0x03

	// Extended framing leads with the header's own length: 0x02 for a
	// one-byte length field, 0x03 for a two-byte one.
	hdrShort = 0x02
	hdrLong  = 0x03
)

// The VESC checksum is CRC-16/XMODEM: polynomial 0x1021, zero init, no
// reflection. packet_test.go cross-checks this table against the bitwise
// definition.
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

func checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// framing selects which of the observed wire layouts to speak. Firmware
// revisions disagree on the layout, so the attached firmware's dialect is
// configuration, not a constant.
type framing int

const (
	// framingSimple frames as START | LEN | ID | PAYLOAD | CRC | END,
	// with LEN counting the id plus payload and the CRC computed over
	// LEN through PAYLOAD.
	framingSimple framing = iota
	// framingExtended frames as a 2- or 3-byte length header, then
	// ID ++ PAYLOAD, a CRC over ID ++ PAYLOAD, then END.
	framingExtended
)

func parseFraming(s string) (framing, error) {
	switch s {
	case "", "simple":
		return framingSimple, nil
	case "extended":
		return framingExtended, nil
	default:
		return 0, errors.Errorf("unknown protocol_variant %q (want %q or %q)", s, "simple", "extended")
	}
}

// frame is one decoded protocol frame.
type frame struct {
	id      byte
	payload []byte
}

// encodeFrame packs a command id and payload into wire form for the given
// framing dialect.
func encodeFrame(id byte, payload []byte, v framing) []byte {
	if v == framingExtended {
		body := make([]byte, 0, len(payload)+1)
		body = append(body, id)
		body = append(body, payload...)

		pkt := make([]byte, 0, len(body)+6)
		// A single length byte tops out at 255; anything longer
		// takes the three-byte header.
		if len(body) <= 0xFF {
			pkt = append(pkt, hdrShort, byte(len(body)))
		} else {
			pkt = append(pkt, hdrLong, byte(len(body)>>8), byte(len(body)))
		}
		pkt = append(pkt, body...)
		sum := checksum(body)
		return append(pkt, byte(sum>>8), byte(sum), frameEnd)
	}

	pkt := make([]byte, 0, len(payload)+6)
	pkt = append(pkt, frameStart, byte(len(payload)+1), id)
	pkt = append(pkt, payload...)
	sum := checksum(pkt[1:])
	return append(pkt, byte(sum>>8), byte(sum), frameEnd)
}

// readFrame reads one delimited frame inbound on lk. It returns (nil, nil)
// when no valid frame arrives before the timeout: line noise, partial
// frames, and CRC failures are expected traffic and are swallowed as "no
// frame yet". Only a transport fault surfaces as an error.
func readFrame(lk link, v framing, timeout time.Duration) (*frame, error) {
	if v == framingExtended {
		return readExtendedFrame(lk, timeout)
	}
	return readSimpleFrame(lk, timeout)
}

func readSimpleFrame(lk link, timeout time.Duration) (*frame, error) {
	start, err := lk.read(1, timeout)
	if err != nil {
		return nil, err
	}
	if len(start) == 0 || start[0] != frameStart {
		return nil, nil
	}

	lenB, err := lk.read(1, timeout)
	if err != nil {
		return nil, err
	}
	if len(lenB) == 0 || lenB[0] == 0 {
		return nil, nil
	}
	n := int(lenB[0])

	body, err := lk.read(n, timeout)
	if err != nil {
		return nil, err
	}
	if len(body) != n {
		return nil, nil
	}

	crcB, err := lk.read(2, timeout)
	if err != nil {
		return nil, err
	}
	if len(crcB) != 2 {
		return nil, nil
	}

	end, err := lk.read(1, timeout)
	if err != nil {
		return nil, err
	}
	if len(end) == 0 || end[0] != frameEnd {
		return nil, nil
	}

	sum := crc16.Init(crcTable)
	sum = crc16.Update(sum, lenB, crcTable)
	sum = crc16.Update(sum, body, crcTable)
	if crc16.Complete(sum, crcTable) != binary.BigEndian.Uint16(crcB) {
		return nil, nil
	}

	return &frame{id: body[0], payload: body[1:]}, nil
}

func readExtendedFrame(lk link, timeout time.Duration) (*frame, error) {
	hdr, err := lk.read(1, timeout)
	if err != nil {
		return nil, err
	}
	if len(hdr) == 0 {
		return nil, nil
	}

	var n int
	switch hdr[0] {
	case hdrShort:
		lenB, err := lk.read(1, timeout)
		if err != nil {
			return nil, err
		}
		if len(lenB) == 0 {
			return nil, nil
		}
		n = int(lenB[0])
	case hdrLong:
		lenB, err := lk.read(2, timeout)
		if err != nil {
			return nil, err
		}
		if len(lenB) != 2 {
			return nil, nil
		}
		n = int(binary.BigEndian.Uint16(lenB))
	default:
		return nil, nil
	}
	if n == 0 {
		return nil, nil
	}

	body, err := lk.read(n, timeout)
	if err != nil {
		return nil, err
	}
	if len(body) != n {
		return nil, nil
	}

	crcB, err := lk.read(2, timeout)
	if err != nil {
		return nil, err
	}
	if len(crcB) != 2 {
		return nil, nil
	}

	end, err := lk.read(1, timeout)
	if err != nil {
		return nil, err
	}
	if len(end) == 0 || end[0] != frameEnd {
		return nil, nil
	}

	if checksum(body) != binary.BigEndian.Uint16(crcB) {
		return nil, nil
	}

	return &frame{id: body[0], payload: body[1:]}, nil
}

// readTelemetryFrame reads the undelimited layout the controller answers
// telemetry requests with: ID | LEN (u16 BE) | PAYLOAD | CRC over
// ID ++ LEN ++ PAYLOAD. Same no-frame contract as readFrame.
func readTelemetryFrame(lk link, timeout time.Duration) (*frame, error) {
	idB, err := lk.read(1, timeout)
	if err != nil {
		return nil, err
	}
	if len(idB) == 0 {
		return nil, nil
	}

	lenB, err := lk.read(2, timeout)
	if err != nil {
		return nil, err
	}
	if len(lenB) != 2 {
		return nil, nil
	}
	n := int(binary.BigEndian.Uint16(lenB))

	payload, err := lk.read(n, timeout)
	if err != nil {
		return nil, err
	}
	if len(payload) != n {
		return nil, nil
	}

	crcB, err := lk.read(2, timeout)
	if err != nil {
		return nil, err
	}
	if len(crcB) != 2 {
		return nil, nil
	}

	sum := crc16.Init(crcTable)
	sum = crc16.Update(sum, idB, crcTable)
	sum = crc16.Update(sum, lenB, crcTable)
	sum = crc16.Update(sum, payload, crcTable)
	if crc16.Complete(sum, crcTable) != binary.BigEndian.Uint16(crcB) {
		return nil, nil
	}

	return &frame{id: idB[0], payload: payload}, nil
}
