// Package ansi removes terminal escape sequences from byte streams.
//
// The session feeds raw PTY bytes through a Stripper before they reach the
// line-oriented output tracker. Stripping is stateful: a CSI or OSC
// sequence may be split across PTY read chunks, so each stream owns its
// own Stripper. Never share a Stripper between streams — the carried
// parse state is per-stream.
package ansi

const (
	esc = 0x1b
	bel = 0x07
)

type parseState int

const (
	stateGround parseState = iota
	stateEsc               // after ESC, dispatching on the next byte
	stateCSI               // inside ESC [ ... , waiting for final byte
	stateOSC               // inside ESC ] ... , waiting for BEL or ST
	stateOSCEsc            // inside OSC, after ESC, waiting for \
	stateCharset           // after ESC ( or ESC ) , one charset byte follows
)

// Stripper removes ANSI escape sequences from a byte stream, carrying
// partial-sequence state across chunk boundaries.
type Stripper struct {
	state parseState
}

// NewStripper creates a stripper in the ground state.
func NewStripper() *Stripper {
	return &Stripper{}
}

// Strip returns a new slice holding the printable content of chunk.
// Newlines and tabs pass through; other C0 controls and all CSI, OSC,
// DEC private and charset sequences are removed.
func (s *Stripper) Strip(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		switch s.state {
		case stateGround:
			switch {
			case b == esc:
				s.state = stateEsc
			case b == '\n' || b == '\t':
				out = append(out, b)
			case b < 0x20 || b == 0x7f:
				// other C0 controls (\r, BS, BEL, ...) dropped
			default:
				out = append(out, b)
			}
		case stateEsc:
			switch b {
			case '[':
				s.state = stateCSI
			case ']':
				s.state = stateOSC
			case '(', ')':
				s.state = stateCharset
			case esc:
				// ESC ESC: stay in escape dispatch
			default:
				// two-byte escape (ESC c, ESC =, ESC >, ...)
				s.state = stateGround
			}
		case stateCSI:
			// parameter (0x30-0x3f) and intermediate (0x20-0x2f) bytes
			// continue the sequence; a final byte 0x40-0x7e ends it.
			if b >= 0x40 && b <= 0x7e {
				s.state = stateGround
			}
		case stateOSC:
			if b == bel {
				s.state = stateGround
			} else if b == esc {
				s.state = stateOSCEsc
			}
		case stateOSCEsc:
			if b == '\\' {
				s.state = stateGround
			} else if b != esc {
				s.state = stateOSC
			}
		case stateCharset:
			s.state = stateGround
		}
	}
	return out
}

// Strip removes escape sequences from a self-contained chunk.
// For streams spanning multiple chunks, use a Stripper.
func Strip(chunk []byte) []byte {
	return NewStripper().Strip(chunk)
}
