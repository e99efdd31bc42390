// Package respparse incrementally assembles an HTTP/1.1 response status
// line and headers from a byte stream that may deliver the terminating
// CRLFCRLF split across arbitrarily many reads.
package respparse

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/parasol-go/httpclient/pkg/buffer"
	"github.com/parasol-go/httpclient/pkg/constants"
	"github.com/parasol-go/httpclient/pkg/errors"
)

// Accumulator grows a response-header buffer up to constants.MaxHeaderSize
// and scans it for the blank line ending the head. It reuses pkg/buffer's
// memory-limited Buffer: the accumulator's limit is set to MaxHeaderSize so
// the buffer spilling to disk is repurposed as the protocol-violation
// signal for an oversized header. The spill itself still happens (the
// buffer writes its contents to a temp file, removed again by Close).
type Accumulator struct {
	buf         *buffer.Buffer
	searchIndex int
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{buf: buffer.New(constants.MaxHeaderSize)}
}

// Close releases the accumulator's backing storage.
func (a *Accumulator) Close() error {
	return a.buf.Close()
}

// Write appends newly-read bytes to the accumulator.
func (a *Accumulator) Write(p []byte) error {
	if _, err := a.buf.Write(p); err != nil {
		return errors.NewAllocError("response header buffer", err)
	}
	if a.buf.IsSpilled() {
		return errors.NewProtocolViolationError("response header exceeds maximum size", nil)
	}
	return nil
}

// ScanHeaderEnd looks for "\r\n\r\n" in the accumulated bytes. The scan
// restarts three bytes behind the previous frontier so a split boundary
// (e.g. "...\r\n\r" delivered in one read, "\n" in the next) is still
// detected once the final byte arrives. It returns the offset of the first
// byte after the terminator and true when found.
func (a *Accumulator) ScanHeaderEnd() (int, bool) {
	data := a.buf.Bytes()

	start := a.searchIndex - 3
	if start < 0 {
		start = 0
	}

	idx := bytes.Index(data[start:], []byte("\r\n\r\n"))
	if idx < 0 {
		a.searchIndex = len(data)
		return 0, false
	}

	return start + idx + 4, true
}

// Bytes returns the raw accumulated bytes (head plus any body bytes read
// ahead in the same network read).
func (a *Accumulator) Bytes() []byte {
	return a.buf.Bytes()
}

// Head is the parsed status line and header set of one response.
type Head struct {
	StatusLine    string
	Status        int
	Args          map[string]string // header names, lowercased
	ContentLength int64              // -1 means unknown/streaming
	Chunked       bool
}

// ParseHead parses the header block preceding the CRLFCRLF terminator
// (raw must NOT include the terminator itself). proxied presets
// ContentLength to -1 before any content-length header is read, matching
// the original implementation's distrust of proxies that strip or rewrite
// framing headers while still streaming the body. rawMode is the protocol
// flag disabling chunked auto-detection.
func ParseHead(raw []byte, proxied bool, rawMode bool) (*Head, error) {
	lines := bytes.Split(raw, []byte("\r\n"))
	if len(lines) == 0 {
		return nil, errors.NewProtocolViolationError("empty response", nil)
	}

	statusLine := string(lines[0])
	if !strings.HasPrefix(statusLine, "HTTP/") {
		return nil, errors.NewProtocolViolationError("response does not start with HTTP/", nil)
	}

	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, errors.NewProtocolViolationError("invalid status line", nil)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, errors.NewProtocolViolationError("invalid status code", err)
	}

	head := &Head{
		StatusLine: statusLine,
		Status:     status,
		Args:       make(map[string]string),
	}
	if proxied {
		head.ContentLength = -1
	}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(string(line[:idx])))
		value := strings.TrimLeft(string(line[idx+1:]), " \t")
		value = strings.TrimRight(value, "\r")
		head.Args[key] = value

		switch key {
		case "content-length":
			if head.Chunked {
				break
			}
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 || n > constants.MaxContentLength {
				head.ContentLength = -1
			} else {
				head.ContentLength = n
			}
		case "transfer-encoding":
			if !rawMode && strings.Contains(strings.ToLower(value), "chunked") {
				head.Chunked = true
				head.ContentLength = -1
			}
		}
	}

	return head, nil
}
