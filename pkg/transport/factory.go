package transport

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// Preference selects the transport variant at startup.
type Preference string

const (
	// PreferAuto probes the modern transport and falls back to legacy.
	PreferAuto Preference = "auto"
	// PreferModern requires the modern transport.
	PreferModern Preference = "modern"
	// PreferLegacy uses the legacy transport only.
	PreferLegacy Preference = "legacy"
)

// ParsePreference parses a case-insensitive preference name. An empty string
// means PreferAuto.
func ParsePreference(s string) (Preference, error) {
	switch p := Preference(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PreferAuto, nil
	case PreferAuto, PreferModern, PreferLegacy:
		return p, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want auto, modern or legacy)", s)
	}
}

// Options configure Open.
type Options struct {
	Preference Preference
	SerialBaud int
	// SerialPorts are extra non-USB serial device paths for the modern
	// transport.
	SerialPorts []string
	Logger      *slog.Logger

	// NewModern and NewLegacy override the production constructors.
	NewModern func() (Adapter, error)
	NewLegacy func() (Adapter, error)
}

// Open constructs the Adapter once. With PreferAuto the modern transport is
// used if it constructs without error or panic and enumerates at least one
// endpoint; otherwise the legacy transport is used.
func Open(opts Options) (Adapter, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	newModern := opts.NewModern
	if newModern == nil {
		newModern = func() (Adapter, error) {
			return NewModern(&SerialBackend{Baud: opts.SerialBaud, ExtraPorts: opts.SerialPorts}, log), nil
		}
	}
	newLegacy := opts.NewLegacy
	if newLegacy == nil {
		newLegacy = func() (Adapter, error) {
			drv, err := rtmididrv.New()
			if err != nil {
				return nil, fmt.Errorf("rtmididrv: %w", err)
			}
			return NewLegacy(drv, log), nil
		}
	}

	switch opts.Preference {
	case PreferLegacy:
		return construct(newLegacy)
	case PreferModern:
		return construct(newModern)
	case PreferAuto, "":
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Preference)
	}

	modern, err := construct(newModern)
	if err == nil {
		eps, listErr := modern.ListInputs()
		if listErr == nil && len(eps) > 0 {
			log.Info("midi: using modern transport", "endpoints", len(eps))
			return modern, nil
		}
		err = listErr
		if err == nil {
			err = fmt.Errorf("no endpoints")
		}
		_ = modern.Close()
	}
	log.Info("midi: modern transport unavailable, falling back to legacy", "err", err)

	legacy, err := construct(newLegacy)
	if err != nil {
		return nil, err
	}
	log.Info("midi: using legacy transport")
	return legacy, nil
}

// construct calls fn, turning a panic into an error.
func construct(fn func() (Adapter, error)) (a Adapter, err error) {
	defer func() {
		if r := recover(); r != nil {
			a = nil
			err = fmt.Errorf("transport construction panicked: %v", r)
		}
	}()
	return fn()
}
