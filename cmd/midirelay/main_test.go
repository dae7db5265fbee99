package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/midirelay/pkg/config"
	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/transport"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "midirelay version dev")
	assert.Contains(t, out.String(), "commit: none")
}

// flagCommand mirrors the run command's flag set on a throwaway command.
func flagCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	saved := flags
	t.Cleanup(func() { flags = saved })

	cmd := &cobra.Command{Use: "test"}
	f := cmd.Flags()
	f.StringVar(&flags.transport, "transport", "auto", "")
	f.IntVar(&flags.serialBaud, "serial-baud", 31250, "")
	f.StringSliceVar(&flags.exclusions, "wired", nil, "")
	f.IntVar(&flags.retryAttempts, "retry-attempts", 3, "")
	f.DurationVar(&flags.heartbeat, "heartbeat", 3*time.Second, "")
	f.StringVar(&flags.listen, "listen", "", "")
	f.BoolVar(&flags.autoConnect, "auto-connect", true, "")
	require.NoError(t, f.Parse(args))
	return cmd
}

func TestApplyFlagsOnlyChanged(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Transport = "legacy"
	cfg.RetryAttempts = 7

	cmd := flagCommand(t, "--heartbeat", "500ms", "--listen", "off", "--auto-connect=false", "--wired", "Pads,Keys")
	applyFlags(cmd, cfg)

	assert.Equal(t, "legacy", cfg.Transport, "unchanged flag keeps file value")
	assert.Equal(t, 7, cfg.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, config.ListenOff, cfg.Listen)
	assert.False(t, cfg.AutoConnect)
	assert.Equal(t, []string{"Pads", "Keys"}, cfg.WiredExclusions)
}

func TestPrintEndpoints(t *testing.T) {
	var out bytes.Buffer
	printEndpoints(&out, endpointList{
		Transport: transport.KindLegacy,
		Inputs:    []transport.Endpoint{{ID: "0", Name: "BLE Pads", Wireless: true}},
		Outputs:   []transport.Endpoint{{ID: "1", Name: "Synth"}},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "legacy")
	assert.Regexp(t, `^in\s+0\s+BLE Pads\s+yes$`, lines[3])
	assert.Regexp(t, `^out\s+1\s+Synth\s+no$`, lines[4])
}

func TestMonitorLogsMessages(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	fn := monitor(log)

	fn(events.Logf("ignored"))
	assert.Empty(t, buf.String())

	fn(events.Forwarded(transport.Event{Raw: []byte{0x90, 60, 100}, Message: transport.Decode([]byte{0x90, 60, 100})}))
	assert.Contains(t, buf.String(), "event=")
	assert.Contains(t, buf.String(), "NoteOn")
}

func TestNewLoggerLevels(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := newLogger(&buf, false)
	log.Debug("hidden")
	log.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	log = newLogger(&buf, true)
	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "source=")
}
