// Package parser provides the stream aggregator: it turns the raw fragment
// sequence of one in-flight completion into logical text segments that are
// safe to hand to the tool-call extractor.
//
// Two hazards make raw fragments unsafe to consume directly: a tool-call
// delimiter can be split across fragment boundaries (one fragment ends with
// "<inv", the next starts with "oke ..."), and a multi-byte character can be
// split mid-sequence. The aggregator holds back any buffer suffix that could
// still grow into a recognized delimiter or a complete rune, and releases it
// as plain text once subsequent bytes prove it cannot.
package parser

import (
	"strings"
	"unicode/utf8"
)

// delimiters are the opening tokens of the tool-call encodings the extractor
// recognizes. A suffix of the pending buffer that is a proper prefix of any
// of these is held back until it either completes or diverges.
var delimiters = []string{
	"<tool",
	"<invoke",
	`{"tool":`,
	`{ "tool":`,
	`{"tool" :`,
	`{ "tool" :`,
}

// Aggregator buffers incomplete structural units across fragment boundaries.
// It is a pure consumer: no side effects beyond its internal buffer.
type Aggregator struct {
	held []byte
}

// NewAggregator creates an empty aggregator for one response stream.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Feed consumes one raw fragment and returns the text that is now safe to
// release. The returned string may be empty when everything is still held
// back. Undecodable bytes are replaced with U+FFFD; decode failures never
// terminate the stream.
func (a *Aggregator) Feed(fragment string) string {
	if fragment == "" {
		return ""
	}
	a.held = append(a.held, fragment...)

	release := len(a.held) - a.holdback()
	if release <= 0 {
		return ""
	}

	out := a.held[:release]
	a.held = append(a.held[:0:0], a.held[release:]...)
	return sanitize(string(out))
}

// Finalize releases whatever remains buffered. Called once, after the stream
// delivers its terminal fragment. A held delimiter prefix that never
// completed comes out here as plain text.
func (a *Aggregator) Finalize() string {
	if len(a.held) == 0 {
		return ""
	}
	out := sanitize(string(a.held))
	a.held = nil
	return out
}

// holdback returns how many trailing bytes of the buffer must be retained:
// the longest suffix that is a proper prefix of a recognized delimiter,
// widened to cover a trailing incomplete multi-byte rune.
func (a *Aggregator) holdback() int {
	keep := 0
	for _, delim := range delimiters {
		max := len(delim) - 1
		if max > len(a.held) {
			max = len(a.held)
		}
		for k := max; k > keep; k-- {
			if string(a.held[len(a.held)-k:]) == delim[:k] {
				keep = k
				break
			}
		}
	}

	// Never split a rune: if the bytes just before the held region end in an
	// incomplete UTF-8 sequence, hold those bytes too.
	keep += incompleteRuneTail(a.held[:len(a.held)-keep])
	return keep
}

// incompleteRuneTail returns the number of trailing bytes of b that form the
// start of a multi-byte UTF-8 sequence whose continuation has not arrived.
func incompleteRuneTail(b []byte) int {
	n := len(b)
	for back := 1; back <= utf8.UTFMax && back <= n; back++ {
		c := b[n-back]
		if c&0xC0 == 0x80 {
			continue // continuation byte, keep scanning for the start
		}
		if c < utf8.RuneSelf {
			return 0 // ASCII, sequence before it is complete
		}
		want := 0
		switch {
		case c&0xE0 == 0xC0:
			want = 2
		case c&0xF0 == 0xE0:
			want = 3
		case c&0xF8 == 0xF0:
			want = 4
		default:
			return 0 // invalid start byte, let sanitize replace it
		}
		if back < want {
			return back
		}
		return 0
	}
	return 0
}

// sanitize replaces undecodable bytes with the Unicode replacement character.
func sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
