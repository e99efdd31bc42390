package client

import (
	"os"

	"github.com/parasol-go/httpclient/pkg/errors"
)

// sink fans decoded body bytes out to every configured destination, in
// the fixed order: output file, in-memory receive buffer, Incoming
// callback, output object.
type sink struct {
	file *os.File
}

// openSinks opens the output file (if any), honoring Resume (append and
// seek-to-end, restarting Index at 0).
func (c *Client) openSinks() (*sink, error) {
	s := &sink{}
	if c.OutputFile == "" {
		return s, nil
	}

	flags := os.O_WRONLY | os.O_CREATE
	if c.Resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(c.OutputFile, flags, 0o644)
	if err != nil {
		return nil, errors.NewFileError("open", c.OutputFile, err)
	}
	if c.Resume {
		if _, err := f.Seek(0, os.SEEK_END); err != nil {
			f.Close()
			return nil, errors.NewFileError("seek", c.OutputFile, err)
		}
		c.Index = 0
	}
	s.file = f
	return s, nil
}

func (s *sink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Write delivers p to every configured sink in the fixed order required
// by the protocol: file, receive buffer, Incoming callback, output
// object.
func (s *sink) Write(c *Client, p []byte) error {
	if s.file != nil {
		if _, err := s.file.Write(p); err != nil {
			return errors.NewFileError("write", c.OutputFile, err)
		}
	}

	if c.RecvBuffer {
		if n := len(c.recvBuffer); n > 0 {
			c.recvBuffer = c.recvBuffer[:n-1] // drop the previous NUL terminator
		}
		c.recvBuffer = append(c.recvBuffer, p...)
		c.recvBuffer = append(c.recvBuffer, 0)
	}

	if c.Incoming != nil {
		if err := c.Incoming(c, p); err != nil {
			return err
		}
	}

	if c.OutputObject != nil {
		if c.ObjectMode == DataFeed {
			if _, err := c.OutputObject.DataFeed(c.Datatype, p); err != nil {
				return errors.NewIOError("feeding output object", err)
			}
		} else {
			if _, err := c.OutputObject.Write(p); err != nil {
				return errors.NewIOError("writing to output object", err)
			}
		}
	}

	return nil
}

// RecvBufferBytes returns the accumulated in-memory receive buffer,
// without the trailing NUL the buffer is internally kept terminated
// with. It is valid only when RecvBuffer was set to true before
// Activate().
func (c *Client) RecvBufferBytes() []byte {
	if n := len(c.recvBuffer); n > 0 {
		return c.recvBuffer[:n-1]
	}
	return c.recvBuffer
}
