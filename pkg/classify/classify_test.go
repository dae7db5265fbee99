package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWireless(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		exclusions []string
		want       bool
	}{
		{"ble prefix with hyphen", "BLE-MIDI KB", nil, true},
		{"wavetable is not ble", "Wavetable Synth", nil, false},
		{"bt token followed by hyphen", "USB MIDI BT-2", nil, true},
		{"cable is not ble", "Cable Interface", nil, false},
		{"bluetooth keyword", "Yamaha Bluetooth MIDI", nil, true},
		{"wireless keyword", "Roland Wireless Connect", nil, true},
		{"widi keyword", "WIDI Master", nil, true},
		{"localized keyword", "MIDI 蓝牙 接口", nil, true},
		{"ble followed by digit", "Keys ble2", nil, true},
		{"ble at end", "Korg nano ble", nil, true},
		{"bt leading pattern", "BT Piano", nil, true},
		{"bt trailing pattern", "Piano-BT", nil, true},
		{"bt inside word", "Subtle Synth", nil, false},
		{"debt is not bt", "Debt Controller", nil, false},
		{"plain usb", "USB MIDI Interface", nil, false},
		{"empty name", "", nil, false},
		{"excluded despite keyword", "Yamaha Bluetooth MIDI", []string{"yamaha  bluetooth midi"}, false},
		{"excluded despite token", "BLE-MIDI KB", []string{" BLE-MIDI KB "}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Wireless(tt.endpoint, tt.exclusions))
		})
	}
}

func TestExclusionAlwaysWins(t *testing.T) {
	names := []string{
		"BLE-MIDI KB",
		"USB MIDI BT-2",
		"Bluetooth Wireless WIDI BLE BT",
		"Wavetable Synth",
		"plain",
	}
	for _, n := range names {
		assert.False(t, Wireless(n, []string{Normalize(n)}), n)
		assert.False(t, Wireless(n, []string{n}), n)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "usb midi bt-2", Normalize("  USB\tMIDI   BT-2 "))
	assert.Equal(t, "", Normalize("   "))
}

func TestDedupeExclusions(t *testing.T) {
	got := DedupeExclusions([]string{"Piano BT", "", "piano  bt", "  Cable ", "PIANO BT", "cable"})
	assert.Equal(t, []string{"Piano BT", "Cable"}, got)
	assert.Empty(t, DedupeExclusions(nil))
}
