package transport

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultSerialBaud is the DIN MIDI line rate.
const DefaultSerialBaud = 31250

const defaultSerialReadTimeout = 100 * time.Millisecond

// umpProductPatterns mark USB products that speak UMP natively.
var umpProductPatterns = []string{"MIDI 2.0", "UMP"}

// SerialBackend enumerates and opens USB serial MIDI devices for the modern
// adapter.
type SerialBackend struct {
	// Baud is the line rate used when opening a port.
	Baud int
	// ExtraPorts are non-USB device paths to offer as endpoints.
	ExtraPorts []string
	// ReadTimeout bounds a single Read so the capture loop can notice a
	// disconnect request.
	ReadTimeout time.Duration
}

// Ports implements PacketBackend. USB ports are identified by VID, PID and
// serial number when the device reports one, otherwise by device path.
func (b *SerialBackend) Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var ports []PortInfo
	seen := make(map[string]bool)
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		ports = append(ports, serialPortInfo(d))
		seen[d.Name] = true
	}
	for _, path := range b.ExtraPorts {
		if seen[path] {
			continue
		}
		ports = append(ports, PortInfo{ID: "path:" + path, Name: path, Path: path, Format: FormatBytes})
		seen[path] = true
	}
	return ports, nil
}

func serialPortInfo(d *enumerator.PortDetails) PortInfo {
	id := "path:" + d.Name
	if d.SerialNumber != "" {
		id = strings.ToLower(fmt.Sprintf("usb:%s:%s:%s", d.VID, d.PID, d.SerialNumber))
	}
	name := d.Product
	if name == "" {
		name = d.Name
	}
	format := FormatBytes
	for _, pat := range umpProductPatterns {
		if containsCI(d.Product, pat) {
			format = FormatUMP
			break
		}
	}
	return PortInfo{ID: id, Name: name, Path: d.Name, Format: format}
}

// Open implements PacketBackend.
func (b *SerialBackend) Open(info PortInfo) (PacketPort, error) {
	baud := b.Baud
	if baud <= 0 {
		baud = DefaultSerialBaud
	}
	p, err := serial.Open(info.Path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info.Path, err)
	}
	timeout := b.ReadTimeout
	if timeout <= 0 {
		timeout = defaultSerialReadTimeout
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", info.Path, err)
	}
	return &serialPort{port: p}, nil
}

// serialPort wraps a go.bug.st/serial port.
type serialPort struct {
	port serial.Port
}

func (s *serialPort) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *serialPort) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialPort) Close() error                { return s.port.Close() }

// Probe queries the modem status lines; the call fails once the device has
// been unplugged.
func (s *serialPort) Probe() error {
	_, err := s.port.GetModemStatusBits()
	return err
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
