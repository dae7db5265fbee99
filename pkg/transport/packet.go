package transport

import (
	"encoding/binary"
	"fmt"
)

// maxSysEx bounds a buffered SysEx message; longer dumps are dropped.
const maxSysEx = 64 * 1024

// UMP message types handled by the codec.
const (
	umpUtility = 0x0
	umpSystem  = 0x1
	umpMIDI1   = 0x2
)

// packetDecoder turns a stream of transport bytes into complete MIDI 1.0
// messages. emit receives a buffer that is only valid during the call.
type packetDecoder interface {
	Feed(data []byte, emit func(msg []byte), fail func(error))
}

func newPacketDecoder(f Format) packetDecoder {
	if f == FormatUMP {
		return &umpDecoder{}
	}
	return &streamDecoder{}
}

// encodePacket renders one MIDI 1.0 message in format f.
func encodePacket(f Format, msg []byte) ([]byte, error) {
	if f == FormatUMP {
		return EncodeUMP(0, msg)
	}
	return msg, nil
}

// streamDecoder parses a MIDI 1.0 byte stream: running status, real-time
// bytes interleaved anywhere, and SysEx.
type streamDecoder struct {
	running byte
	buf     []byte
	need    int
	sysex   []byte
	inSysex bool
}

func (d *streamDecoder) Feed(data []byte, emit func([]byte), fail func(error)) {
	for _, b := range data {
		switch {
		case b >= 0xF8:
			emit([]byte{b})
		case b == 0xF0:
			if d.inSysex {
				fail(fmt.Errorf("sysex interrupted after %d bytes", len(d.sysex)))
			}
			d.inSysex = true
			d.sysex = append(d.sysex[:0], b)
			d.running = 0
			d.buf = d.buf[:0]
		case b == 0xF7:
			if !d.inSysex {
				continue
			}
			d.inSysex = false
			if len(d.sysex) >= maxSysEx {
				fail(fmt.Errorf("sysex exceeds %d bytes", maxSysEx))
				continue
			}
			emit(append(d.sysex, b))
		case b >= 0x80:
			if d.inSysex {
				d.inSysex = false
				fail(fmt.Errorf("sysex interrupted after %d bytes", len(d.sysex)))
			}
			n := dataLen(b)
			if n < 0 {
				d.running = 0
				d.buf = d.buf[:0]
				continue
			}
			if b < 0xF0 {
				d.running = b
			} else {
				d.running = 0
			}
			d.buf = append(d.buf[:0], b)
			d.need = n
			if n == 0 {
				emit(d.buf)
				d.buf = d.buf[:0]
			}
		default:
			if d.inSysex {
				if len(d.sysex) < maxSysEx {
					d.sysex = append(d.sysex, b)
				}
				continue
			}
			if len(d.buf) == 0 {
				if d.running == 0 {
					continue
				}
				d.buf = append(d.buf, d.running)
				d.need = dataLen(d.running)
			}
			d.buf = append(d.buf, b)
			if len(d.buf)-1 == d.need {
				emit(d.buf)
				d.buf = d.buf[:0]
			}
		}
	}
}

// umpWords returns the packet size in 32-bit words for a UMP message type.
func umpWords(mt byte) int {
	switch mt {
	case 0x3, 0x4, 0x8, 0x9, 0xA:
		return 2
	case 0xB, 0xC:
		return 3
	case 0x5, 0xD, 0xE, 0xF:
		return 4
	default:
		return 1
	}
}

// umpDecoder parses a stream of big-endian UMP words.
type umpDecoder struct {
	buf []byte
}

func (d *umpDecoder) Feed(data []byte, emit func([]byte), fail func(error)) {
	d.buf = append(d.buf, data...)
	for len(d.buf) >= 4 {
		size := umpWords(d.buf[0]>>4) * 4
		if len(d.buf) < size {
			return
		}
		msg, err := DecodeUMP(d.buf[:size])
		switch {
		case err != nil:
			fail(err)
		case msg != nil:
			emit(msg)
		}
		d.buf = d.buf[size:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// EncodeUMP wraps a MIDI 1.0 message in one 32-bit Universal MIDI Packet on
// the given group. Channel voice messages become type 2, system common and
// real-time messages type 1. SysEx is not carried.
func EncodeUMP(group uint8, msg []byte) ([]byte, error) {
	if len(msg) == 0 || msg[0] < 0x80 {
		return nil, fmt.Errorf("%w: missing status byte", ErrUnsupported)
	}
	status := msg[0]
	n := dataLen(status)
	if n < 0 {
		return nil, fmt.Errorf("%w: status 0x%02X", ErrUnsupported, status)
	}
	if len(msg) < n+1 {
		return nil, fmt.Errorf("%w: truncated message 0x%02X", ErrUnsupported, status)
	}
	mt := byte(umpMIDI1)
	if status >= 0xF0 {
		mt = umpSystem
	}
	word := uint32(mt)<<28 | uint32(group&0x0F)<<24 | uint32(status)<<16
	if n > 0 {
		word |= uint32(msg[1]&0x7F) << 8
	}
	if n > 1 {
		word |= uint32(msg[2] & 0x7F)
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, word)
	return out, nil
}

// DecodeUMP converts one Universal MIDI Packet back to a MIDI 1.0 message.
// Utility packets (NOOP, jitter-reduction timestamps) decode to nil.
func DecodeUMP(pkt []byte) ([]byte, error) {
	if len(pkt) < 4 {
		return nil, fmt.Errorf("%w: short packet", ErrUnsupported)
	}
	word := binary.BigEndian.Uint32(pkt)
	mt := byte(word >> 28)
	switch mt {
	case umpUtility:
		return nil, nil
	case umpSystem, umpMIDI1:
	default:
		return nil, fmt.Errorf("%w: ump type 0x%X", ErrUnsupported, mt)
	}
	status := byte(word >> 16)
	n := dataLen(status)
	if n < 0 || (mt == umpMIDI1 && (status < 0x80 || status >= 0xF0)) || (mt == umpSystem && status < 0xF0) {
		return nil, fmt.Errorf("%w: ump status 0x%02X", ErrUnsupported, status)
	}
	msg := []byte{status, byte(word>>8) & 0x7F, byte(word) & 0x7F}
	return msg[:n+1], nil
}
