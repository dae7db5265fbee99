package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePreference(t *testing.T) {
	tests := []struct {
		in      string
		want    Preference
		wantErr bool
	}{
		{"", PreferAuto, false},
		{"auto", PreferAuto, false},
		{" Modern ", PreferModern, false},
		{"LEGACY", PreferLegacy, false},
		{"winrt", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePreference(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen(t *testing.T) {
	modernWith := func(ports ...PortInfo) func() (Adapter, error) {
		return func() (Adapter, error) { return NewModern(newFakeBackend(ports...), nil), nil }
	}
	legacy := func() (Adapter, error) { return NewLegacy(newFakeDriver(), nil), nil }

	t.Run("AutoPrefersModern", func(t *testing.T) {
		a, err := Open(Options{Preference: PreferAuto, NewModern: modernWith(dinPort), NewLegacy: legacy})
		require.NoError(t, err)
		assert.Equal(t, KindModern, a.Kind())
	})

	t.Run("AutoFallsBackWhenModernEmpty", func(t *testing.T) {
		a, err := Open(Options{NewModern: modernWith(), NewLegacy: legacy})
		require.NoError(t, err)
		assert.Equal(t, KindLegacy, a.Kind())
	})

	t.Run("AutoFallsBackOnConstructionError", func(t *testing.T) {
		a, err := Open(Options{
			NewModern: func() (Adapter, error) { return nil, errors.New("no packet API") },
			NewLegacy: legacy,
		})
		require.NoError(t, err)
		assert.Equal(t, KindLegacy, a.Kind())
	})

	t.Run("AutoFallsBackOnPanic", func(t *testing.T) {
		a, err := Open(Options{
			NewModern: func() (Adapter, error) { panic("class not registered") },
			NewLegacy: legacy,
		})
		require.NoError(t, err)
		assert.Equal(t, KindLegacy, a.Kind())
	})

	t.Run("ExplicitModernDoesNotFallBack", func(t *testing.T) {
		_, err := Open(Options{
			Preference: PreferModern,
			NewModern:  func() (Adapter, error) { panic("class not registered") },
			NewLegacy:  legacy,
		})
		assert.Error(t, err)
	})

	t.Run("ExplicitLegacy", func(t *testing.T) {
		a, err := Open(Options{Preference: PreferLegacy, NewModern: modernWith(dinPort), NewLegacy: legacy})
		require.NoError(t, err)
		assert.Equal(t, KindLegacy, a.Kind())
	})

	t.Run("LegacyFailureIsReported", func(t *testing.T) {
		_, err := Open(Options{
			NewModern: modernWith(),
			NewLegacy: func() (Adapter, error) { return nil, errors.New("no ALSA") },
		})
		assert.Error(t, err)
	})
}
