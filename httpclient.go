// Package httpclient is a client-side HTTP/1.1 protocol engine: a stateful
// Client that drives one request at a time through connect, authentication,
// upload and download, exposing its progress to a host application through
// callbacks and shared sinks.
package httpclient

import (
	"github.com/parasol-go/httpclient/pkg/buffer"
	"github.com/parasol-go/httpclient/pkg/client"
	"github.com/parasol-go/httpclient/pkg/errors"
	"github.com/parasol-go/httpclient/pkg/timing"
)

// Version is the current version of this library.
const Version = "1.0.0"

// Re-export key types for easier usage.
type (
	// Client drives one HTTP/1.1 request at a time.
	Client = client.Client

	// State is one phase of the request lifecycle.
	State = client.State

	// ObjectMode selects how bytes are delivered to an OutputObject sink.
	ObjectMode = client.ObjectMode

	// DataObject is the minimal collaborator interface for an
	// OutputObject or InputObject sink/source.
	DataObject = client.DataObject

	// ProxyConfig describes an upstream proxy a Client should tunnel
	// through.
	ProxyConfig = client.ProxyConfig

	// IncomingFunc receives decoded body bytes as they are produced.
	IncomingFunc = client.IncomingFunc

	// OutgoingFunc supplies upload body bytes on demand.
	OutgoingFunc = client.OutgoingFunc

	// StateChangedFunc observes the transitions into SendingContent,
	// SendComplete, ReadingContent and Completed; entries into
	// Authenticating, Authenticated and Terminated do not call it.
	StateChangedFunc = client.StateChangedFunc

	// AuthCallback is invoked when a 401 arrives with no credentials set.
	AuthCallback = client.AuthCallback

	// Buffer provides memory-efficient storage with disk spilling.
	Buffer = buffer.Buffer

	// Metrics captures detailed connection timing.
	Metrics = timing.Metrics

	// Error is a structured error with a category and context.
	Error = errors.Error
)

// Lifecycle states, re-exported for convenience.
const (
	ReadingHeader  = client.ReadingHeader
	Authenticating = client.Authenticating
	Authenticated  = client.Authenticated
	SendingContent = client.SendingContent
	SendComplete   = client.SendComplete
	ReadingContent = client.ReadingContent
	Completed      = client.Completed
	Terminated     = client.Terminated
)

// Object delivery modes, re-exported for convenience.
const (
	DataFeed  = client.DataFeed
	ReadWrite = client.ReadWrite
)

// Error categories, re-exported for convenience.
const (
	ErrorTypeDNS               = errors.ErrorTypeDNS
	ErrorTypeConnection        = errors.ErrorTypeConnection
	ErrorTypeTLS               = errors.ErrorTypeTLS
	ErrorTypeTimeout           = errors.ErrorTypeTimeout
	ErrorTypeProtocol          = errors.ErrorTypeProtocol
	ErrorTypeIO                = errors.ErrorTypeIO
	ErrorTypeValidation        = errors.ErrorTypeValidation
	ErrorTypeProtocolViolation = errors.ErrorTypeProtocolViolation
	ErrorTypeAuth              = errors.ErrorTypeAuth
	ErrorTypeResource          = errors.ErrorTypeResource
)

// Terminate is returned by any callback to signal cooperative cancellation.
var Terminate = client.Terminate

// New returns a Client configured with default timeouts and buffer sizes.
func New() *Client {
	return client.New()
}

// NewBuffer creates a new Buffer with the given memory limit before it
// spills to disk.
func NewBuffer(limit int64) *Buffer {
	return buffer.New(limit)
}

// GetErrorType returns the error category if err is a structured Error,
// or "" otherwise.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}

// IsTimeoutError reports whether err represents a connect or I/O timeout.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}
