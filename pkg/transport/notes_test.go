package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActiveNotes(t *testing.T) {
	t.Run("NoteOnOff", func(t *testing.T) {
		var n activeNotes
		n.Apply([]byte{0x90, 60, 100})
		n.Apply([]byte{0x91, 62, 100})
		assert.Equal(t, 2, n.Count())

		n.Apply([]byte{0x80, 60, 0})
		assert.Equal(t, 1, n.Count())

		// NoteOn with zero velocity ends the note.
		n.Apply([]byte{0x91, 62, 0})
		assert.Equal(t, 0, n.Count())
	})

	t.Run("ReleaseReturnsNoteOffs", func(t *testing.T) {
		var n activeNotes
		n.Apply([]byte{0x95, 70, 10})
		n.Apply([]byte{0x90, 127, 10})
		n.Apply([]byte{0x90, 0, 10})

		offs := n.Release()
		assert.Len(t, offs, 3)
		assert.Equal(t, byte(0x80), offs[0][0])
		assert.Equal(t, byte(0), offs[0][1])
		assert.Equal(t, byte(0x80), offs[1][0])
		assert.Equal(t, byte(127), offs[1][1])
		assert.Equal(t, byte(0x85), offs[2][0])
		assert.Equal(t, byte(70), offs[2][1])
		assert.Equal(t, 0, n.Count())
		assert.Empty(t, n.Release())
	})

	t.Run("AllNotesOffClearsChannel", func(t *testing.T) {
		var n activeNotes
		n.Apply([]byte{0x92, 60, 100})
		n.Apply([]byte{0x92, 100, 100})
		n.Apply([]byte{0x93, 60, 100})
		n.Apply([]byte{0xB2, 123, 0})
		assert.Equal(t, 1, n.Count())
	})

	t.Run("OtherMessagesIgnored", func(t *testing.T) {
		var n activeNotes
		n.Apply([]byte{0xB0, 7, 100})
		n.Apply([]byte{0xF8})
		n.Apply(nil)
		assert.Equal(t, 0, n.Count())
	})
}
