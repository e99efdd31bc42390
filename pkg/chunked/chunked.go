// Package chunked decodes an HTTP/1.1 "Transfer-Encoding: chunked" body,
// tolerant of chunk headers and chunk bodies that arrive split across
// multiple network reads.
package chunked

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/parasol-go/httpclient/pkg/constants"
	"github.com/parasol-go/httpclient/pkg/errors"
)

// Decoder implements io.Reader over a chunked-encoded stream. Callers drive
// it exactly like any other io.Reader (io.Copy, sink.Write loops); it
// returns io.EOF once the terminal "0\r\n\r\n" chunk and any trailers have
// been consumed.
type Decoder struct {
	br        *bufio.Reader
	remaining int64 // bytes left unread in the current chunk body
	needCRLF  bool  // true once remaining hits 0 and the trailing CRLF is still pending
	eof       bool
	Total     int64 // bytes emitted across all chunks so far
}

// NewDecoder wraps br, which must already be positioned at the first
// chunk-size line.
func NewDecoder(br *bufio.Reader) *Decoder {
	return &Decoder{br: br}
}

func (d *Decoder) Read(p []byte) (int, error) {
	if d.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if d.needCRLF {
		if err := d.consumeTrailingCRLF(); err != nil {
			return 0, err
		}
		d.needCRLF = false
	}

	if d.remaining == 0 {
		if err := d.readChunkHeader(); err != nil {
			return 0, err
		}
		if d.eof {
			if err := d.readTrailers(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
	}

	n := len(p)
	if int64(n) > d.remaining {
		n = int(d.remaining)
	}
	read, err := d.br.Read(p[:n])
	d.remaining -= int64(read)
	d.Total += int64(read)
	if err != nil {
		return read, errors.NewIOError("reading chunk body", err)
	}
	if d.remaining == 0 {
		d.needCRLF = true
	}
	return read, nil
}

// readChunkHeader reads one chunk-size line byte-by-byte, enforcing
// constants.MaxChunkHeaderLine so a peer cannot stall the decoder with an
// unterminated line. A lone '\r' at the read boundary is never mistaken
// for the line terminator; the loop simply waits for the next read to
// present '\n'.
func (d *Decoder) readChunkHeader() error {
	var line []byte
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			return errors.NewProtocolViolationError("reading chunk size", err)
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			line = append(line, b)
			if len(line) > constants.MaxChunkHeaderLine {
				return errors.NewProtocolViolationError("chunk header line exceeds maximum length", nil)
			}
		}
	}

	sizeStr := strings.TrimSpace(strings.SplitN(string(line), ";", 2)[0])
	size, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil {
		return errors.NewProtocolViolationError("invalid chunk size", err)
	}
	if size < 0 || size > constants.MaxChunkBody {
		return errors.NewProtocolViolationError("chunk size exceeds maximum", nil)
	}
	if size == 0 {
		d.eof = true
		return nil
	}
	d.remaining = size
	return nil
}

func (d *Decoder) consumeTrailingCRLF() error {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(d.br, crlf); err != nil {
		return errors.NewProtocolViolationError("reading chunk CRLF", err)
	}
	return nil
}

// readTrailers discards any trailer headers following the terminal chunk,
// up to the blank line that ends the message.
func (d *Decoder) readTrailers() error {
	var total int
	for {
		var line []byte
		for {
			b, err := d.br.ReadByte()
			if err != nil {
				return errors.NewProtocolViolationError("reading chunk trailer", err)
			}
			if b == '\n' {
				break
			}
			if b != '\r' {
				line = append(line, b)
			}
			total++
			if total > constants.MaxHeaderSize {
				return errors.NewProtocolViolationError("chunk trailers exceed maximum size", nil)
			}
		}
		if len(line) == 0 {
			return nil
		}
	}
}
