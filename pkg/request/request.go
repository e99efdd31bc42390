// Package request builds the HTTP/1.1 request-line and header bytes sent
// on the wire, and frames outgoing bodies (plain or chunked).
package request

import (
	"fmt"
	"strings"

	"github.com/parasol-go/httpclient/pkg/errors"
)

// Spec describes one request head to build.
type Spec struct {
	Method      string
	Host        string
	Port        int
	Path        string
	UserAgent   string
	Headers     map[string]string // custom headers, appended verbatim
	ProxyServer string
	SSL         bool
	Range       int64 // GET resume offset; 0 means no Range header

	// ContentLength >= 0 emits Content-length; -1 emits
	// Transfer-Encoding: chunked (unless Raw is set, in which case neither
	// framing header is added and the caller is responsible for it).
	ContentLength int64
	ContentType   string
	Raw           bool

	Authenticating bool   // suppresses custom Headers per the builder contract
	Authorization  string // full "Basic ..."/"Digest ..." header value, if any

	Destination string // required for COPY/MOVE
	Overwrite   string // optional, emitted for COPY and MOVE
}

// scheme returns "https" or "http" based on SSL.
func (s *Spec) scheme() string {
	if s.SSL {
		return "https"
	}
	return "http"
}

// BuildHead renders the request line plus all headers, ending in the
// blank line that terminates the head. It does not include any body
// bytes.
func BuildHead(s *Spec) ([]byte, error) {
	var b strings.Builder

	if err := writeRequestLine(&b, s); err != nil {
		return nil, err
	}

	fmt.Fprintf(&b, "Host: %s\r\n", s.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", s.UserAgent)

	switch strings.ToUpper(s.Method) {
	case "GET":
		if s.Range > 0 {
			fmt.Fprintf(&b, "Range: bytes=%d-\r\n", s.Range)
		}
	case "COPY", "MOVE":
		if s.Destination == "" {
			return nil, errors.NewFieldNotSetError("Destination")
		}
		fmt.Fprintf(&b, "Destination: http://%s/%s\r\n", s.Host, s.Destination)
		if s.Overwrite != "" {
			fmt.Fprintf(&b, "Overwrite: %s\r\n", s.Overwrite)
		}
	case "POST", "PUT":
		writeUploadHeaders(&b, s)
	}

	if s.Authorization != "" {
		fmt.Fprintf(&b, "Authorization: %s\r\n", s.Authorization)
	}

	if !s.Authenticating {
		for k, v := range s.Headers {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}

	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

func writeRequestLine(b *strings.Builder, s *Spec) error {
	if s.Method == "" {
		return errors.NewFieldNotSetError("Method")
	}

	path := s.Path
	if strings.ToUpper(s.Method) == "OPTIONS" && (path == "" || path == "*") {
		fmt.Fprintf(b, "OPTIONS * HTTP/1.1\r\n")
		return nil
	}
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if s.ProxyServer != "" && !s.SSL {
		fmt.Fprintf(b, "%s %s://%s:%d%s HTTP/1.1\r\n", s.Method, s.scheme(), s.Host, s.Port, path)
		return nil
	}

	fmt.Fprintf(b, "%s %s HTTP/1.1\r\n", s.Method, path)
	return nil
}

func writeUploadHeaders(b *strings.Builder, s *Spec) {
	if !s.Raw {
		if s.ContentLength >= 0 {
			fmt.Fprintf(b, "Content-length: %d\r\n", s.ContentLength)
		} else {
			b.WriteString("Transfer-Encoding: chunked\r\n")
		}
	}

	contentType := s.ContentType
	if contentType == "" {
		if strings.ToUpper(s.Method) == "POST" {
			contentType = "application/x-www-form-urlencoded"
		} else {
			contentType = "application/binary"
		}
	}
	fmt.Fprintf(b, "Content-type: %s\r\n", contentType)
}

// BuildConnectHead renders the CONNECT tunnel request line sent through a
// proxy before a TLS handshake begins (§4.1): Host, User-Agent,
// Proxy-Connection and Connection keep-alive, plus any proxy-specific
// headers (forwarded verbatim) and a Proxy-Authorization value, if set.
func BuildConnectHead(host string, port int, userAgent string, extraHeaders map[string]string, proxyAuthorization string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s:%d HTTP/1.1\r\n", host, port)
	fmt.Fprintf(&b, "Host: %s:%d\r\n", host, port)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	b.WriteString("Proxy-Connection: keep-alive\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	for k, v := range extraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if proxyAuthorization != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", proxyAuthorization)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// EncodeChunk frames payload as one chunk: "<hex-size>\r\n<payload>\r\n".
// An empty payload encodes the terminal "0\r\n\r\n" chunk.
func EncodeChunk(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("0\r\n\r\n")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%x\r\n", len(payload))
	b.Write(payload)
	b.WriteString("\r\n")
	return []byte(b.String())
}
