package sandbox

import (
	"fmt"
	"io"
	"os"
	"sync"
	"unicode/utf8"
)

// cappedBuffer keeps the first max bytes written to it and counts the rest.
// The cap is applied while capturing so a chatty script cannot grow memory.
type cappedBuffer struct {
	mu    sync.Mutex
	data  []byte
	max   int
	total int64
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = defaultMaxOutputBytes
	}
	return &cappedBuffer{
		data: make([]byte, 0, min(4096, max)),
		max:  max,
	}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	c.total += int64(n)
	if remaining := c.max - len(c.data); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		c.data = append(c.data, p...)
	}
	return n, nil
}

// Omitted returns how many bytes were dropped.
func (c *cappedBuffer) Omitted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total - int64(len(c.kept()))
}

// kept is the captured prefix, without a rune split by the cap.
func (c *cappedBuffer) kept() []byte {
	if c.total > int64(len(c.data)) {
		return c.data[:runeCut(c.data, len(c.data))]
	}
	return c.data
}

// String returns the captured bytes followed by an omission marker when the
// stream exceeded the cap.
func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.kept()
	out := string(data)
	if omitted := c.total - int64(len(data)); omitted > 0 {
		out += omissionNote(omitted)
	}
	return out
}

func omissionNote(n int64) string {
	return fmt.Sprintf("\n... [%d bytes omitted]", n)
}

// TruncateOutput applies the same cap and marker to an already captured string.
func TruncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	head := trimPartialRune(s[:max])
	return head + omissionNote(int64(len(s)-len(head)))
}

// runeCut returns the largest cut point not after n that keeps b[:cut]
// free of a trailing partial UTF-8 sequence.
func runeCut(b []byte, n int) int {
	if n > len(b) {
		n = len(b)
	}
	tail := string(b[n-min(n, utf8.UTFMax) : n])
	return n - (len(tail) - len(trimPartialRune(tail)))
}

// trimPartialRune drops an incomplete UTF-8 sequence at the end of s.
func trimPartialRune(s string) string {
	for i := len(s) - 1; i >= 0 && len(s)-i <= utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if !utf8.FullRuneInString(s[i:]) {
				return s[:i]
			}
			return s
		}
	}
	return s
}

// ReadLimited reads at most max bytes of path, cut back to a rune boundary,
// and reports the file size. Files that do not report a size but exceed max
// get a size of max+1 so callers still see the truncation.
func ReadLimited(path string, max int) ([]byte, int64, error) {
	if max <= 0 {
		max = defaultMaxOutputBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(max)+1))
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()
	if len(data) > max {
		data = data[:runeCut(data, max)]
		if size <= int64(len(data)) {
			size = int64(max) + 1
		}
	}
	return data, size, nil
}

// CappedContent renders a ReadLimited result with the omission marker.
func CappedContent(data []byte, size int64) string {
	if omitted := size - int64(len(data)); omitted > 0 {
		return string(data) + omissionNote(omitted)
	}
	return string(data)
}
