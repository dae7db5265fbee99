package transport

import (
	"gitlab.com/gomidi/midi/v2"
)

// MessageType is the channel voice command carried by a message.
type MessageType int

const (
	Unknown MessageType = iota
	NoteOff
	NoteOn
	Aftertouch
	ControlChange
	ProgramChange
	ChannelPressure
	PitchBend
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case NoteOff:
		return "NoteOff"
	case NoteOn:
		return "NoteOn"
	case Aftertouch:
		return "Aftertouch"
	case ControlChange:
		return "ControlChange"
	case ProgramChange:
		return "ProgramChange"
	case ChannelPressure:
		return "ChannelPressure"
	case PitchBend:
		return "PitchBend"
	default:
		return "Unknown"
	}
}

// MarshalText renders the type by name in JSON.
func (t MessageType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Message is the decoded metadata of a raw MIDI message. Channel is 1-based;
// data bytes are 7-bit.
type Message struct {
	Type    MessageType `json:"type"`
	Channel uint8       `json:"channel"`
	Data1   uint8       `json:"data1"`
	Data2   uint8       `json:"data2"`
}

var commandTypes = map[byte]MessageType{
	0x8: NoteOff,
	0x9: NoteOn,
	0xA: Aftertouch,
	0xB: ControlChange,
	0xC: ProgramChange,
	0xD: ChannelPressure,
	0xE: PitchBend,
}

// Decode extracts type, channel and data bytes from a raw message. Missing
// data bytes decode as zero.
func Decode(raw []byte) Message {
	if len(raw) == 0 || raw[0] < 0x80 {
		return Message{}
	}
	status := raw[0]
	m := Message{
		Type:    commandTypes[status>>4],
		Channel: status&0x0F + 1,
	}
	if len(raw) > 1 {
		m.Data1 = raw[1] & 0x7F
	}
	if len(raw) > 2 {
		m.Data2 = raw[2] & 0x7F
	}
	return m
}

// Encode builds the raw channel voice message for m. Unknown types encode to
// nil. Channels outside 1..16 wrap the same way the status nibble does.
func Encode(m Message) []byte {
	var cmd byte
	for c, t := range commandTypes {
		if t == m.Type {
			cmd = c
			break
		}
	}
	if cmd == 0 {
		return nil
	}
	status := cmd<<4 | (m.Channel-1)&0x0F
	if dataLen(status) == 1 {
		return []byte{status, m.Data1 & 0x7F}
	}
	return []byte{status, m.Data1 & 0x7F, m.Data2 & 0x7F}
}

// Describe renders a raw message for logs.
func Describe(raw []byte) string {
	return midi.Message(raw).String()
}

func (m Message) String() string {
	return Describe(Encode(m))
}

// dataLen returns the number of data bytes following a status byte, or -1 for
// SysEx start/end and undefined statuses.
func dataLen(status byte) int {
	switch {
	case status >= 0xF8:
		return 0
	case status >= 0xF0:
		switch status {
		case 0xF1, 0xF3:
			return 1
		case 0xF2:
			return 2
		case 0xF6:
			return 0
		default:
			return -1
		}
	case status >= 0xC0 && status < 0xE0:
		return 1
	case status >= 0x80:
		return 2
	default:
		return -1
	}
}
