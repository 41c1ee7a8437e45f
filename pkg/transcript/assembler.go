// Package transcript reconstructs a stable utterance text from overlapping
// partial STT results.
//
// The STT stream delivers fragments that are either final (committed) or
// interim (a provisional guess that later fragments supersede). The Assembler
// keeps a bounded FIFO of recent fragments and derives the displayable text
// from them deterministically: for a fixed sequence of Add calls the output
// is a pure function of the buffer contents.
package transcript

import "strings"

// DefaultCapacity bounds the fragment buffer. Under pathological utterances
// with very many interim updates, eviction can in principle drop a final
// fragment before the utterance ends; the capacity is an approximation sized
// against realistic chunk rates, not a hard guarantee.
const DefaultCapacity = 10

// Fragment is one STT result. Immutable once added.
type Fragment struct {
	Text    string
	IsFinal bool
}

// Assembler is a fixed-capacity FIFO of transcript fragments. Oldest entries
// are evicted first. Not safe for concurrent use; callers serialize access.
type Assembler struct {
	capacity  int
	fragments []Fragment
}

// NewAssembler returns an Assembler with the given capacity, or
// DefaultCapacity when capacity is not positive.
func NewAssembler(capacity int) *Assembler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Assembler{
		capacity:  capacity,
		fragments: make([]Fragment, 0, capacity),
	}
}

// Add appends a fragment, evicting the oldest entry when full.
func (a *Assembler) Add(fragment Fragment) {
	if len(a.fragments) >= a.capacity {
		a.fragments = append(a.fragments[:0], a.fragments[1:]...)
	}
	a.fragments = append(a.fragments, fragment)
}

// FinalText joins the text of every surviving final fragment in arrival
// order with single spaces.
func (a *Assembler) FinalText() string {
	parts := make([]string, 0, len(a.fragments))
	for _, f := range a.fragments {
		if f.IsFinal && f.Text != "" {
			parts = append(parts, f.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// LastFinalText returns the text of the most recent final fragment, or ""
// when the buffer holds none. Callers use it to recognize replayed finals
// before re-adding them.
func (a *Assembler) LastFinalText() string {
	for i := len(a.fragments) - 1; i >= 0; i-- {
		if a.fragments[i].IsFinal {
			return a.fragments[i].Text
		}
	}
	return ""
}

// InterimText returns the latest interim guess: the text of the last
// fragment after the most recent final one, or "" when the buffer ends on a
// final fragment (or is empty).
func (a *Assembler) InterimText() string {
	lastFinal := -1
	for i := len(a.fragments) - 1; i >= 0; i-- {
		if a.fragments[i].IsFinal {
			lastFinal = i
			break
		}
	}
	if lastFinal == len(a.fragments)-1 {
		return ""
	}
	if len(a.fragments) == 0 {
		return ""
	}
	return strings.TrimSpace(a.fragments[len(a.fragments)-1].Text)
}

// CompleteText is FinalText plus the latest interim guess, trimmed.
func (a *Assembler) CompleteText() string {
	final := a.FinalText()
	interim := a.InterimText()
	switch {
	case final != "" && interim != "":
		return final + " " + interim
	case final != "":
		return final
	default:
		return interim
	}
}

// Len reports the number of buffered fragments.
func (a *Assembler) Len() int {
	return len(a.fragments)
}

// Clear empties the buffer. Called at the start and end of every voice
// capture session so transcript state never leaks across turns.
func (a *Assembler) Clear() {
	a.fragments = a.fragments[:0]
}
