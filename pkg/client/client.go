// Package client provides the main HTTP client API: a stateful Client
// that drives one request at a time through connect, upload, header
// parsing, authentication and body download.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/parasol-go/httpclient/pkg/chunked"
	"github.com/parasol-go/httpclient/pkg/constants"
	"github.com/parasol-go/httpclient/pkg/digest"
	"github.com/parasol-go/httpclient/pkg/errors"
	"github.com/parasol-go/httpclient/pkg/request"
	"github.com/parasol-go/httpclient/pkg/respparse"
	"github.com/parasol-go/httpclient/pkg/timing"
	"github.com/parasol-go/httpclient/pkg/transport"
)

// State is one phase of the request lifecycle.
type State int

const (
	ReadingHeader State = iota
	Authenticating
	Authenticated
	SendingContent
	SendComplete
	ReadingContent
	Completed
	Terminated
)

func (s State) String() string {
	switch s {
	case ReadingHeader:
		return "READING_HEADER"
	case Authenticating:
		return "AUTHENTICATING"
	case Authenticated:
		return "AUTHENTICATED"
	case SendingContent:
		return "SENDING_CONTENT"
	case SendComplete:
		return "SEND_COMPLETE"
	case ReadingContent:
		return "READING_CONTENT"
	case Completed:
		return "COMPLETED"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// ObjectMode selects how bytes are delivered to an OutputObject sink.
type ObjectMode int

const (
	DataFeed ObjectMode = iota
	ReadWrite
)

// DataObject is the minimal collaborator interface for an OutputObject or
// InputObject sink/source (§6 of the object model this client embeds).
// DataFeed and Write are kept distinct because ObjectMode picks between
// them: DATA_FEED passes the Client's Datatype alongside the bytes (for a
// collaborator that dispatches on content type), READ_WRITE is a plain
// sequential write.
type DataObject interface {
	io.Reader
	io.Writer
	Size() int64
	DataFeed(datatype string, p []byte) (int, error)
}

// ProxyConfig describes an upstream proxy a Client should tunnel through.
type ProxyConfig struct {
	Type               string // "http", "https", "socks4", "socks5"
	Host               string
	Port               int
	Username           string
	Password           string
	ConnTimeout        time.Duration     // proxy dial timeout; 0 uses ConnectTimeout
	ProxyHeaders       map[string]string // extra headers sent on the CONNECT request
	ResolveDNSViaProxy bool
}

// Terminate is returned by any callback to signal cooperative cancellation.
var Terminate = errors.ErrTerminate

// IncomingFunc receives decoded body bytes as they are produced.
type IncomingFunc func(c *Client, p []byte) error

// OutgoingFunc supplies upload body bytes on demand; it returns io.EOF when
// the body source is exhausted.
type OutgoingFunc func(c *Client, p []byte) (int, error)

// StateChangedFunc observes the transitions into SendingContent,
// SendComplete, ReadingContent and Completed. Entries into Authenticating,
// Authenticated and Terminated are made without calling it.
type StateChangedFunc func(c *Client, from, to State) error

// AuthCallback is invoked when a 401 arrives with no credentials set and
// NoDialog is false. It runs inside Activate, which is non-reentrant, so
// it cannot call Activate itself: it populates the credentials (for
// example with SetCredentials), Activate then returns with CurrentState
// at AUTHENTICATING, and the caller re-issues the request by calling
// Activate again.
type AuthCallback func(c *Client)

// Client drives one HTTP/1.1 request at a time.
type Client struct {
	UID string

	Host      string
	Port      int
	Path      string
	SSL       bool
	ConnectIP string // optional: bypasses DNS and dials this IP directly

	ProxyServer  string
	ProxyPort    int
	ProxyDefined bool
	Proxy        *ProxyConfig

	Method        string
	Headers       map[string]string
	ContentType   string
	ContentLength int64
	Size          int64

	InputFile   string // path, or "|"-separated list for MultipleInput
	InputObject DataObject
	Outgoing    OutgoingFunc

	OutputFile   string
	Resume       bool
	OutputObject DataObject
	ObjectMode   ObjectMode
	Datatype     string // passed to OutputObject.DataFeed when ObjectMode is DataFeed
	Incoming     IncomingFunc
	RecvBuffer   bool
	recvBuffer   []byte
	writeBuf     []byte // staged by Write() for the next outgoingReader.Read

	Username      string
	password      []byte
	Realm         string
	AuthNonce     string
	AuthOpaque    string
	AuthAlgorithm string
	AuthQOP       string
	AuthCNonce    string
	AuthPreset    bool
	AuthDigest    bool
	AuthRetries   int
	AuthPath      string
	SecurePath    bool
	NoHead        bool
	NoDialog      bool
	AuthCallback  AuthCallback

	CurrentState  State
	Index         int64 // bytes received so far; set before Activate with Resume to request a Range
	TotalSent     int64
	Status        int
	Args          map[string]string

	DataTimeout    time.Duration
	ConnectTimeout time.Duration
	LastReceipt    time.Time

	Moved      bool
	Redirected bool
	Tunneling  bool
	Connecting bool
	KeepAlive  bool

	UserAgent         string
	BufferSize        int
	Raw               bool
	InsecureTLS       bool
	ClientCertificate *tls.Certificate
	SNI               string
	DisableSNI        bool

	Error error

	StateChanged StateChangedFunc

	transport *transport.Transport
	conn      net.Conn
	br        *bufio.Reader
	active    atomic.Bool
}

// New creates an uninitialised Client with default timeouts and a fresh
// Transport.
func New() *Client {
	return &Client{
		Headers:        make(map[string]string),
		Args:           make(map[string]string),
		DataTimeout:    constants.DefaultDataTimeout,
		ConnectTimeout: constants.DefaultConnectTimeout,
		UserAgent:      "httpclient/1.0",
		BufferSize:     constants.ClampBufferSize(constants.BufferWriteSize),
		transport:      transport.New(),
		CurrentState:   ReadingHeader,
	}
}

// SetLocation parses a URL and populates SSL, Port and Path. An https
// scheme forces Port=443 unless the URL specifies a port explicitly.
func (c *Client) SetLocation(location string) error {
	u, err := url.Parse(location)
	if err != nil {
		return errors.NewValidationError(fmt.Sprintf("invalid location: %v", err))
	}

	switch u.Scheme {
	case "https":
		c.SSL = true
		c.Port = 443
	case "http":
		c.SSL = false
		c.Port = 80
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported scheme: %s", u.Scheme))
	}
	c.Host = u.Hostname()

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			c.Port = 80
		} else {
			c.Port = port
		}
	}

	path := u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return c.SetPath(path)
}

// SetPath URL-encodes path per RFC 3986 and clears SecurePath only when
// the new directory equals AuthPath, the already-authenticated one; a
// directory other than AuthPath leaves SecurePath as it was. Leading
// slashes are stripped from the stored Path (the request line re-adds
// exactly one when it is built); reading Path back after SetLocation
// never sees the leading slash.
func (c *Client) SetPath(path string) error {
	encoded := encodePath(strings.TrimLeft(path, "/"))
	dir := directoryOf(encoded)
	if dir == c.AuthPath {
		c.SecurePath = false
	}
	c.Path = encoded
	return nil
}

// requestURI returns the on-wire form of Path: exactly one leading slash,
// matching what writeRequestLine puts on the request line. Digest auth's
// URI parameter must equal that request-target, even though Path itself
// is stored without the leading slash (see SetPath).
func (c *Client) requestURI() string {
	if c.Path == "" {
		return "/"
	}
	if strings.HasPrefix(c.Path, "/") {
		return c.Path
	}
	return "/" + c.Path
}

func directoryOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx+1]
}

// encodePath percent-encodes everything outside RFC 3986 unreserved and
// reserved characters, leaving existing structure (slashes, queries)
// intact.
func encodePath(path string) string {
	const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"
	const reserved = "!*'();:@&=+$,/?#[]"

	var b strings.Builder
	for i := 0; i < len(path); i++ {
		ch := path[i]
		if strings.IndexByte(unreserved, ch) >= 0 || strings.IndexByte(reserved, ch) >= 0 {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", ch)
	}
	return b.String()
}

// SetBufferSize clamps size into [BUFFER_WRITE_SIZE, 65535].
func (c *Client) SetBufferSize(size int) {
	c.BufferSize = constants.ClampBufferSize(size)
}

// Init resolves ProxyServer/ProxyPort from the environment (http_proxy,
// https_proxy, no_proxy), the way net/http.ProxyFromEnvironment does, when
// no proxy has already been set explicitly. Safe to call more than once;
// a no-op once ProxyServer is non-empty or ProxyDefined is true.
func (c *Client) Init() error {
	if c.ProxyServer != "" || c.ProxyDefined {
		return nil
	}

	scheme := "http"
	if c.SSL {
		scheme = "https"
	}
	target := &url.URL{Scheme: scheme, Host: c.Host}

	proxyURL, err := http.ProxyFromEnvironment(&http.Request{URL: target})
	if err != nil || proxyURL == nil {
		return nil
	}

	port := 80
	if proxyURL.Scheme == "https" {
		port = 443
	}
	if p := proxyURL.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	c.ProxyServer = proxyURL.Hostname()
	c.ProxyPort = port
	c.ProxyDefined = true
	return nil
}

// Write appends p to the outgoing buffer. It is meant to be called from
// inside the Outgoing callback as an alternative to copying into the
// callback's own buffer argument: bytes staged here are drained by the
// upload pipeline before Outgoing is invoked again.
func (c *Client) Write(p []byte) (int, error) {
	c.writeBuf = append(c.writeBuf, p...)
	return len(p), nil
}

// SetCredentials sets Username/Password for a preset (not-yet-challenged)
// authentication attempt.
func (c *Client) SetCredentials(username, password string) {
	c.Username = username
	c.password = []byte(password)
	c.AuthPreset = true
}

func (c *Client) scrubPassword() {
	if len(c.password) == 0 {
		return
	}
	digest.ScrubPassword(c.password)
	c.password = nil
}

// Close tears down any remaining socket and scrubs the password, mirroring
// client destruction semantics.
func (c *Client) Close() error {
	c.scrubPassword()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.br = nil
		return err
	}
	return nil
}

// Deactivate releases per-request resources. It is idempotent and safe to
// call at any time to cancel a request.
func (c *Client) Deactivate() {
	if !c.KeepAlive || c.CurrentState == Terminated {
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
			c.br = nil
		}
	}
}

func (c *Client) setState(to State) error {
	from := c.CurrentState
	c.CurrentState = to
	if c.StateChanged != nil {
		if err := c.StateChanged(c, from, to); err != nil {
			if err == Terminate {
				if from == SendingContent {
					c.CurrentState = SendComplete
					return nil
				}
				c.CurrentState = Completed
				return nil
			}
			return err
		}
	}
	if to == Completed || to == Terminated {
		c.Deactivate()
	}
	return nil
}

// Activate drives one request to completion: connect (or reuse), build
// and send the head, upload any body, parse the response head, run the
// auth/redirect loop, decode the body into the configured sinks, and
// leave CurrentState at COMPLETED or TERMINATED (or at AUTHENTICATING when
// a 401 was handed to AuthCallback).
//
// Activate is blocking and synchronous; it is the idiomatic-Go stand-in
// for the event-driven cooperative loop: every callback this client
// exposes (Incoming, Outgoing, StateChanged) fires inline rather than
// being queued to a host loop.
func (c *Client) Activate(ctx context.Context) error {
	if !c.active.CompareAndSwap(false, true) {
		return errors.NewValidationError("Activate is non-reentrant")
	}
	defer c.active.Store(false)

	// Index doubles as the resume offset (set by the caller before
	// Activate when Resume is true) and the bytes-received counter (reset
	// once the output sink actually opens, see openSinks). Only zero it
	// up front when this isn't a resumed transfer, so a GET can still
	// emit "Range: bytes=<Index>-" below.
	resumeIndex := c.Index
	if !c.Resume {
		resumeIndex = 0
	}
	c.Index = resumeIndex
	c.TotalSent = 0
	c.Status = 0
	c.Moved = false
	c.Redirected = false
	c.Args = make(map[string]string)

	for {
		retry, err := c.activateOnce(ctx)
		if err != nil {
			c.Error = err
			c.CurrentState = Terminated
			c.Deactivate()
			return err
		}
		if !retry {
			return nil
		}
		c.Index = resumeIndex
		c.TotalSent = 0
		c.Args = make(map[string]string)
	}
}

// activateOnce runs one connect/send/receive cycle. It returns retry=true
// when an internal transition (tunnel established, auth challenge,
// redirect) means the whole cycle must run again.
func (c *Client) activateOnce(ctx context.Context) (bool, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return false, err
	}

	authenticating := c.CurrentState == Authenticating
	preAuth := !c.NoHead && isUploadMethod(c.Method) && (c.SecurePath || authenticating)
	sendsBody := isUploadMethod(c.Method) && !preAuth

	// The body source must be resolved (and ContentLength settled) before
	// the head is built, otherwise Content-Length/Transfer-Encoding in the
	// head can disagree with what uploadBody actually puts on the wire.
	var src io.Reader
	var closer io.Closer
	if sendsBody {
		var err error
		src, closer, err = c.resolveUploadSource()
		if err != nil {
			return false, err
		}
	}

	head, err := c.buildHead(authenticating, preAuth)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return false, err
	}

	if err := c.writeAll(head); err != nil {
		if closer != nil {
			closer.Close()
		}
		return false, err
	}

	if sendsBody {
		if err := c.setState(SendingContent); err != nil {
			if closer != nil {
				closer.Close()
			}
			return false, err
		}
		if err := c.uploadBody(src, closer); err != nil {
			return false, err
		}
		if c.CurrentState != Terminated {
			if err := c.setState(SendComplete); err != nil {
				return false, err
			}
		}
	}

	return c.readResponse(ctx)
}

func isUploadMethod(method string) bool {
	return method == "POST" || method == "PUT"
}

// ensureConnected obtains a writable connection to the origin. A plain
// (non-SSL) request through a proxy dials the proxy directly and relies
// on the Request Builder emitting an absolute-URI request line; an SSL
// request through a proxy instead asks the Transport to open a CONNECT
// tunnel and perform the TLS handshake through it in one call. Tunneling
// is true only while that Connect call is in progress and is false again
// once ensureConnected returns.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.conn != nil && c.KeepAlive {
		return nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.Connecting = true
	defer func() { c.Connecting = false }()

	cfg := transport.Config{
		Scheme:      schemeOf(c.SSL),
		Host:        c.Host,
		Port:        c.Port,
		ConnectIP:   c.ConnectIP,
		SNI:         c.SNI,
		DisableSNI:  c.DisableSNI,
		InsecureTLS: c.InsecureTLS,
		ConnTimeout: c.ConnectTimeout,
		UserAgent:   c.UserAgent,
	}
	if c.ClientCertificate != nil {
		cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*c.ClientCertificate}}
	}

	c.Tunneling = c.ProxyServer != "" && c.SSL

	switch {
	case c.ProxyServer != "" && c.SSL:
		if c.Proxy != nil {
			cfg.Proxy = &transport.ProxyConfig{
				Type:               c.Proxy.Type,
				Host:               c.Proxy.Host,
				Port:               c.Proxy.Port,
				Username:           c.Proxy.Username,
				Password:           c.Proxy.Password,
				ConnTimeout:        c.Proxy.ConnTimeout,
				ProxyHeaders:       c.Proxy.ProxyHeaders,
				ResolveDNSViaProxy: c.Proxy.ResolveDNSViaProxy,
			}
		} else {
			cfg.Proxy = &transport.ProxyConfig{Type: "http", Host: c.ProxyServer, Port: c.ProxyPort}
		}
	case c.ProxyServer != "":
		cfg.Host = c.ProxyServer
		cfg.Port = c.ProxyPort
		cfg.Scheme = "http"
	}

	timer := timing.NewTimer()
	conn, _, err := c.transport.Connect(ctx, cfg, timer)
	c.Tunneling = false
	if err != nil {
		switch errors.GetErrorType(err) {
		case errors.ErrorTypeDNS, errors.ErrorTypeTLS, errors.ErrorTypeTimeout:
			return err
		default:
			return errors.NewConnectionRefusedError(c.Host, c.Port, err)
		}
	}

	c.conn = conn
	c.br = bufio.NewReaderSize(conn, constants.ClampBufferSize(c.BufferSize))
	c.LastReceipt = time.Now()
	return nil
}

func schemeOf(ssl bool) string {
	if ssl {
		return "https"
	}
	return "http"
}

// buildHead renders the request head. preAuth indicates the caller has
// already decided (in activateOnce) to substitute HEAD for POST/PUT
// because the target directory has not yet proven itself authenticated;
// c.Method itself is left untouched so the retried real request still
// uses POST/PUT.
func (c *Client) buildHead(authenticating, preAuth bool) (head []byte, err error) {
	customHeaders := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		if k == "Destination" || k == "Overwrite" {
			continue
		}
		customHeaders[k] = v
	}

	spec := &request.Spec{
		Method:         c.Method,
		Host:           c.Host,
		Port:           c.Port,
		Path:           c.Path,
		UserAgent:      c.UserAgent,
		Headers:        customHeaders,
		ProxyServer:    c.ProxyServer,
		SSL:            c.SSL,
		ContentLength:  c.ContentLength,
		ContentType:    c.ContentType,
		Raw:            c.Raw,
		Authenticating: authenticating,
		Destination:    c.Headers["Destination"],
		Overwrite:      c.Headers["Overwrite"],
	}
	if c.Method == "GET" && c.Index > 0 {
		spec.Range = c.Index
	}

	if preAuth {
		spec.Method = "HEAD"
		c.CurrentState = Authenticating
	}

	if c.AuthRetries >= 1 && c.Username != "" {
		authHeader, aerr := c.buildAuthorizationHeader()
		if aerr != nil {
			return nil, aerr
		}
		spec.Authorization = authHeader
	}

	head, err = request.BuildHead(spec)
	if err != nil {
		return nil, err
	}
	return head, nil
}

func (c *Client) buildAuthorizationHeader() (string, error) {
	if c.AuthDigest {
		challenge := &digest.Challenge{
			Scheme:    digest.SchemeDigest,
			Realm:     c.Realm,
			Nonce:     c.AuthNonce,
			Opaque:    c.AuthOpaque,
			Algorithm: c.AuthAlgorithm,
			Qop:       c.AuthQOP,
		}
		if c.AuthCNonce == "" {
			cn, err := digest.NewCNonce()
			if err != nil {
				return "", err
			}
			c.AuthCNonce = cn
		}
		params := digest.DigestParams{
			Method:   c.Method,
			URI:      c.requestURI(),
			User:     c.Username,
			Password: string(c.password),
			CNonce:   c.AuthCNonce,
			NC:       "00000001",
		}
		return digest.BuildDigestHeader(challenge, params)
	}
	return digest.BuildBasicHeader(c.Username, string(c.password)), nil
}

func (c *Client) writeAll(p []byte) error {
	if c.conn == nil {
		return errors.NewNoDataError("write")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.DataTimeout))
	_, err := c.conn.Write(p)
	if err != nil {
		return errors.NewIOError("writing request", err)
	}
	return nil
}

// resolveUploadSource opens exactly one of {Outgoing, InputFile,
// InputObject} and settles c.ContentLength before the request head is
// built, so the Content-Length/Transfer-Encoding header that goes out on
// the wire matches what uploadBody actually sends. The caller is
// responsible for closing the returned io.Closer, if non-nil, once the
// upload (or an error before it) is done.
func (c *Client) resolveUploadSource() (io.Reader, io.Closer, error) {
	switch {
	case c.Outgoing != nil:
		return &outgoingReader{c: c}, nil, nil
	case c.InputFile != "":
		r, size, err := c.openInputFiles()
		if err != nil {
			return nil, nil, err
		}
		if c.Size != 0 {
			c.ContentLength = c.Size
		} else {
			c.ContentLength = size
		}
		return r, r, nil
	case c.InputObject != nil:
		if c.Size > 0 {
			c.ContentLength = c.Size
		} else {
			c.ContentLength = c.InputObject.Size()
		}
		return c.InputObject, nil, nil
	default:
		return nil, nil, errors.NewFieldNotSetError("Outgoing/InputFile/InputObject")
	}
}

// uploadBody drains src (already resolved by resolveUploadSource) onto
// the wire, chunk-framing it when ContentLength is unknown and Raw is
// false. The chunked-vs-length-known decision is fixed once here, from
// the same c.ContentLength the head was already built from, so the wire
// framing can never disagree with what the head promised.
func (c *Client) uploadBody(src io.Reader, closer io.Closer) error {
	if closer != nil {
		defer closer.Close()
	}

	chunkedUpload := c.ContentLength < 0 && !c.Raw
	buf := make([]byte, constants.ClampBufferSize(c.BufferSize))

	for {
		if c.ContentLength > 0 && c.Index >= c.ContentLength {
			break
		}
		n, err := src.Read(buf)
		if n > 0 {
			payload := buf[:n]
			if chunkedUpload {
				if werr := c.writeAll(request.EncodeChunk(payload)); werr != nil {
					return werr
				}
			} else {
				if werr := c.writeAll(payload); werr != nil {
					return werr
				}
			}
			c.Index += int64(n)
			c.TotalSent += int64(n)
		}
		if err == io.EOF || err == errors.ErrTerminate {
			break
		}
		if err != nil {
			return errors.NewIOError("reading upload body", err)
		}
	}

	if chunkedUpload {
		if err := c.writeAll(request.EncodeChunk(nil)); err != nil {
			return err
		}
	}

	if c.DataTimeout < 30*time.Second {
		c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}
	return nil
}

type outgoingReader struct{ c *Client }

func (o *outgoingReader) Read(p []byte) (int, error) {
	if len(o.c.writeBuf) > 0 {
		n := copy(p, o.c.writeBuf)
		o.c.writeBuf = o.c.writeBuf[n:]
		return n, nil
	}
	return o.c.Outgoing(o.c, p)
}

// openInputFiles opens InputFile, which may name a single path or a
// "|"-separated list consumed in order (MultipleInput). The returned
// reader concatenates every file's content into one upload stream and
// reports the combined size of all listed files.
func (c *Client) openInputFiles() (io.ReadCloser, int64, error) {
	paths := strings.Split(c.InputFile, "|")
	var total int64
	var files []*os.File
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return nil, 0, errors.NewFileError("open", p, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			for _, opened := range files {
				opened.Close()
			}
			return nil, 0, errors.NewFileError("stat", p, err)
		}
		if len(paths) == 1 && info.Size() == 0 {
			f.Close()
			return nil, 0, errors.NewNoDataError("upload")
		}
		total += info.Size()
		files = append(files, f)
	}

	readers := make([]io.Reader, len(files))
	for i, f := range files {
		readers[i] = f
	}
	return &multiFileReader{r: io.MultiReader(readers...), files: files}, total, nil
}

type multiFileReader struct {
	r     io.Reader
	files []*os.File
}

func (m *multiFileReader) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m *multiFileReader) Close() error {
	var firstErr error
	for _, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readResponse reads and parses the response head, then drives the
// auth/redirect/body decisions. It returns retry=true when the caller
// must run activateOnce again (tunnel established, auth challenge,
// redirect).
func (c *Client) readResponse(ctx context.Context) (bool, error) {
	acc := respparse.NewAccumulator()
	defer acc.Close()

	buf := make([]byte, constants.ClampBufferSize(c.BufferSize))
	var headEnd int

	for {
		end, found := acc.ScanHeaderEnd()
		if found {
			headEnd = end
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(c.DataTimeout))
		n, err := c.conn.Read(buf)
		if n > 0 {
			if werr := acc.Write(buf[:n]); werr != nil {
				return false, werr
			}
			c.LastReceipt = time.Now()
		}
		if err != nil {
			if n == 0 {
				return false, errors.NewNoDataError("read response head")
			}
			return false, errors.NewIOError("reading response head", err)
		}
	}

	raw := acc.Bytes()
	head, err := respparse.ParseHead(raw[:headEnd-4], c.ProxyServer != "", c.Raw)
	if err != nil {
		return false, err
	}
	c.Status = head.Status
	c.Args = head.Args

	if c.CurrentState == Authenticating && head.Status != 401 {
		c.SecurePath = false
		c.CurrentState = Authenticated
		return true, nil
	}

	if head.Status == 301 && !c.Moved {
		loc := head.Args["location"]
		if loc != "" {
			if err := c.SetLocation(loc); err != nil {
				if err := c.SetPath(loc); err != nil {
					return false, err
				}
			}
			c.Moved = true
			return true, nil
		}
	}
	if head.Status == 307 && !c.Redirected {
		c.Redirected = true
	}

	if head.Status == 401 && c.AuthRetries < constants.MaxAuthRetries {
		return c.handleUnauthorized(head)
	}

	if head.Status < 200 || head.Status >= 300 {
		if c.CurrentState != ReadingContent {
			if head.Status >= 400 {
				return false, errors.NewProtocolViolationError(fmt.Sprintf("non-2xx status %d", head.Status), nil)
			}
		}
	}

	if head.ContentLength == 0 && !head.Chunked {
		if err := c.setState(Completed); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := c.setState(ReadingContent); err != nil {
		return false, err
	}

	leftover := raw[headEnd:]
	return false, c.decodeBody(head, leftover)
}

func (c *Client) handleUnauthorized(head *respparse.Head) (bool, error) {
	c.AuthRetries++
	if !(c.AuthPreset && c.AuthRetries < 2) {
		c.scrubPassword()
	}

	challenge, err := digest.ParseChallenge(head.Args["www-authenticate"])
	if err != nil {
		return false, err
	}
	c.AuthDigest = challenge.Scheme == digest.SchemeDigest
	c.Realm = challenge.Realm
	c.AuthNonce = challenge.Nonce
	c.AuthOpaque = challenge.Opaque
	c.AuthAlgorithm = challenge.Algorithm
	c.AuthQOP = challenge.Qop
	c.AuthCNonce = ""

	c.CurrentState = Authenticating

	if len(c.password) == 0 && !c.NoDialog {
		if c.AuthCallback != nil {
			c.AuthCallback(c)
			return false, nil
		}
		return false, errors.NewAuthError("no credentials available and no dialog collaborator configured", nil)
	}

	return true, nil
}

// decodeBody reads and dispatches the response body (already-buffered
// leftover bytes first, then the socket) to the configured sinks.
func (c *Client) decodeBody(head *respparse.Head, leftover []byte) error {
	sink, err := c.openSinks()
	if err != nil {
		return err
	}
	defer sink.Close()

	combined := io.MultiReader(
		newPrefixedReader(leftover),
		c.connReader(),
	)

	var reader io.Reader = combined
	if head.Chunked {
		reader = chunked.NewDecoder(bufio.NewReader(combined))
	}

	buf := make([]byte, 16*1024)
	for {
		if head.ContentLength >= 0 && c.Index >= head.ContentLength {
			break
		}
		readLen := len(buf)
		if head.ContentLength >= 0 {
			if remaining := head.ContentLength - c.Index; remaining < int64(readLen) {
				readLen = int(remaining)
			}
		}
		c.conn.SetReadDeadline(time.Now().Add(c.DataTimeout))
		n, err := reader.Read(buf[:readLen])
		if n > 0 {
			if serr := sink.Write(c, buf[:n]); serr != nil {
				c.CurrentState = Terminated
				return serr
			}
			c.Index += int64(n)
			c.LastReceipt = time.Now()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if head.ContentLength < 0 {
				break
			}
			return errors.NewIOError("reading response body", err)
		}
	}

	if head.ContentLength >= 0 && c.Index < head.ContentLength {
		c.CurrentState = Terminated
		return errors.NewIOError("response body truncated", io.ErrUnexpectedEOF)
	}

	return c.setState(Completed)
}

func (c *Client) connReader() io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		return c.br.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (r readerFunc) Read(p []byte) (int, error) { return r(p) }

// newPrefixedReader replays bytes already pulled into memory before
// io.MultiReader falls through to the live socket reader.
func newPrefixedReader(prefix []byte) io.Reader {
	return &onceReader{data: prefix}
}

type onceReader struct {
	data []byte
	done bool
}

func (o *onceReader) Read(p []byte) (int, error) {
	if o.done {
		return 0, io.EOF
	}
	n := copy(p, o.data)
	o.data = o.data[n:]
	if len(o.data) == 0 {
		o.done = true
		if n == 0 {
			return 0, io.EOF
		}
	}
	return n, nil
}
