package session

import "sync"

// History is a thread-safe circular byte buffer holding the most recent
// terminal output for a session. New subscribers replay its contents as
// their initial screen state. Oldest bytes are silently overwritten once
// the buffer is full.
type History struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

func NewHistory(size int) *History {
	return &History{buf: make([]byte, size)}
}

func (h *History) Write(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(data) > 0 {
		n := copy(h.buf[h.pos:], data)
		data = data[n:]
		h.pos += n
		if h.pos == len(h.buf) {
			h.pos = 0
			h.full = true
		}
	}
}

// Reset discards buffered output and replaces it with data. Used when a
// fresh full snapshot supersedes accumulated incremental output.
func (h *History) Reset(data []byte) {
	h.mu.Lock()
	h.pos = 0
	h.full = false
	h.mu.Unlock()
	h.Write(data)
}

// Bytes returns the buffered output oldest-first as a new slice. After a
// wrap the cut may fall inside a multi-byte UTF-8 sequence, so orphaned
// continuation bytes at the head are dropped.
func (h *History) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		out := make([]byte, h.pos)
		copy(out, h.buf[:h.pos])
		return out
	}

	out := make([]byte, len(h.buf))
	n := copy(out, h.buf[h.pos:])
	copy(out[n:], h.buf[:h.pos])

	skip := 0
	for skip < len(out) && skip < 4 && out[skip]&0xC0 == 0x80 {
		skip++
	}
	return out[skip:]
}
