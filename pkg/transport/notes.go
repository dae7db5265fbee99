package transport

import (
	"math/bits"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"
)

// activeNotes tracks which notes were forwarded to the output and are still
// sounding, so a torn-down connection can release them instead of leaving
// them stuck. It is written from the capture goroutine only and read once the
// capture goroutine has stopped; atomics keep both sides race-free without a
// lock on the forwarding path.
type activeNotes struct {
	words [16 * 128 / 64]atomic.Uint64
}

// Apply updates the tracker with a message that reached the output.
func (n *activeNotes) Apply(raw []byte) {
	if len(raw) < 3 {
		return
	}
	msg := midi.Message(raw)
	var ch, key, vel, ctl, val uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		n.set(ch, key, true)
	case msg.GetNoteEnd(&ch, &key):
		n.set(ch, key, false)
	case msg.GetControlChange(&ch, &ctl, &val) && (ctl == 120 || ctl == 123):
		// All Sound Off / All Notes Off
		n.clearChannel(ch)
	}
}

// Count returns the number of sounding notes.
func (n *activeNotes) Count() int {
	total := 0
	for i := range n.words {
		total += bits.OnesCount64(n.words[i].Load())
	}
	return total
}

// Release clears the tracker and returns a NoteOff for every note that was
// still sounding, ordered by channel then key.
func (n *activeNotes) Release() [][]byte {
	var out [][]byte
	for i := range n.words {
		w := n.words[i].Swap(0)
		for w != 0 {
			b := bits.TrailingZeros64(w)
			w &^= 1 << b
			idx := i*64 + b
			out = append(out, midi.NoteOff(uint8(idx/128), uint8(idx%128)))
		}
	}
	return out
}

func (n *activeNotes) set(ch, key uint8, on bool) {
	idx := int(ch&0x0F)*128 + int(key&0x7F)
	word := &n.words[idx/64]
	mask := uint64(1) << (idx % 64)
	for {
		old := word.Load()
		next := old &^ mask
		if on {
			next = old | mask
		}
		if word.CompareAndSwap(old, next) {
			return
		}
	}
}

func (n *activeNotes) clearChannel(ch uint8) {
	base := int(ch&0x0F) * 2
	n.words[base].Store(0)
	n.words[base+1].Store(0)
}
