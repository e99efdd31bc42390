package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func readRequestHead(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var head strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading request head: %v", err)
		}
		head.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	return head.String()
}

func newTestClient(t *testing.T, ln net.Listener) *Client {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	c := New()
	c.Host = "example.com"
	c.Port = addr.Port
	c.ConnectIP = addr.IP.String()
	c.ConnectTimeout = 2 * time.Second
	c.DataTimeout = 2 * time.Second
	return c
}

func TestActivateGETKnownLength(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		head := readRequestHead(t, r)
		if !strings.HasPrefix(head, "GET /hello HTTP/1.1\r\n") {
			t.Errorf("unexpected request line: %q", head)
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhowdy"))
	}()

	c := newTestClient(t, ln)
	c.Method = "GET"
	c.Path = "/hello"
	c.RecvBuffer = true

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	<-done

	if c.Status != 200 {
		t.Fatalf("status = %d, want 200", c.Status)
	}
	if got := string(c.RecvBufferBytes()); got != "howdy" {
		t.Fatalf("body = %q, want %q", got, "howdy")
	}
	if c.CurrentState != Completed {
		t.Fatalf("state = %v, want COMPLETED", c.CurrentState)
	}
}

func TestActivateChunkedResponse(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		readRequestHead(t, r)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nTest\r\n0\r\n\r\n"))
	}()

	c := newTestClient(t, ln)
	c.Method = "GET"
	c.Path = "/chunk"
	c.RecvBuffer = true

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := string(c.RecvBufferBytes()); got != "Test" {
		t.Fatalf("body = %q, want %q", got, "Test")
	}
}

func TestActivateBasicAuthRetry(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()

	var requests int
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r := bufio.NewReader(conn)
			head := readRequestHead(t, r)
			requests++
			if strings.Contains(head, "Authorization: Basic") {
				conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
			} else {
				conn.Write([]byte("HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic realm=\"test\"\r\nContent-Length: 0\r\n\r\n"))
			}
			conn.Close()
		}
	}()

	c := newTestClient(t, ln)
	c.Method = "GET"
	c.Path = "/secure"
	c.SetCredentials("alice", "wonderland")
	c.RecvBuffer = true

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if requests != 2 {
		t.Fatalf("expected 2 requests (challenge + retry), got %d", requests)
	}
	if string(c.RecvBufferBytes()) != "ok" {
		t.Fatalf("unexpected body %q", c.RecvBufferBytes())
	}
	if !strings.Contains(c.Realm, "test") {
		t.Fatalf("realm not captured: %q", c.Realm)
	}
}

func TestActivateDigestAuthRetryRFC2617Vector(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()

	const nonce = "dcd98b7102dd2f0e8b11d0f600bfb0c093"
	var gotAuthHeader string
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r := bufio.NewReader(conn)
			head := readRequestHead(t, r)
			if strings.Contains(head, "Authorization: Digest") {
				for _, line := range strings.Split(head, "\r\n") {
					if strings.HasPrefix(line, "Authorization:") {
						gotAuthHeader = line
					}
				}
				conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
			} else {
				conn.Write([]byte("HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Digest realm=\"testrealm@host.com\", qop=\"auth\", nonce=\"" + nonce + "\", opaque=\"5ccc069c403ebaf9f0171e9517f40e41\"\r\nContent-Length: 0\r\n\r\n"))
			}
			conn.Close()
		}
	}()

	c := newTestClient(t, ln)
	c.Method = "GET"
	c.Path = "/dir/index.html"
	c.SetCredentials("Mufasa", "Circle Of Life")

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !strings.Contains(gotAuthHeader, `response="`) {
		t.Fatalf("no response in Authorization header: %q", gotAuthHeader)
	}
	if !strings.Contains(gotAuthHeader, "nc=00000001") {
		t.Fatalf("missing nc: %q", gotAuthHeader)
	}
}

func TestActivateSuppressesAuthAfterMaxRetries(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r := bufio.NewReader(conn)
			readRequestHead(t, r)
			conn.Write([]byte("HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic realm=\"test\"\r\nContent-Length: 0\r\n\r\n"))
			conn.Close()
		}
	}()

	c := newTestClient(t, ln)
	c.Method = "GET"
	c.Path = "/secure"
	c.Username = "alice"
	c.NoDialog = true

	err := c.Activate(context.Background())
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if c.AuthRetries < 5 {
		t.Fatalf("AuthRetries = %d, want >= 5", c.AuthRetries)
	}
}

func TestActivateNonReentrant(t *testing.T) {
	c := New()
	c.active.Store(true)
	defer c.active.Store(false)

	err := c.Activate(context.Background())
	if err == nil {
		t.Fatal("expected non-reentrancy error")
	}
}

func TestActivatePOSTUploadsBody(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()

	var gotBody string
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		readRequestHead(t, r)
		body := make([]byte, 11)
		if _, err := r.Read(body); err != nil {
			t.Errorf("reading body: %v", err)
		}
		gotBody = string(body)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	}()

	c := newTestClient(t, ln)
	c.Method = "POST"
	c.Path = "/submit"
	c.ContentLength = 11
	remaining := []byte("hello world")
	c.Outgoing = func(_ *Client, p []byte) (int, error) {
		if len(remaining) == 0 {
			return 0, io.EOF
		}
		n := copy(p, remaining)
		remaining = remaining[n:]
		return n, nil
	}

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	<-done
	if gotBody != "hello world" {
		t.Fatalf("body sent = %q, want %q", gotBody, "hello world")
	}
}

func TestActivateRedirect301(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()

	var paths []string
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r := bufio.NewReader(conn)
			head := readRequestHead(t, r)
			line := strings.SplitN(head, " ", 3)
			if len(line) >= 2 {
				paths = append(paths, line[1])
			}
			if strings.Contains(head, "/old") {
				conn.Write([]byte("HTTP/1.1 301 Moved Permanently\r\nLocation: /new\r\nContent-Length: 0\r\n\r\n"))
			} else {
				conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
			}
			conn.Close()
		}
	}()

	c := newTestClient(t, ln)
	c.Method = "GET"
	c.Path = "/old"

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(paths) != 2 || paths[1] != "/new" {
		t.Fatalf("paths = %v, want [.../old .../new]", paths)
	}
	if !c.Moved {
		t.Fatal("expected Moved=true after following a 301")
	}
}

func TestSetLocationHTTPS(t *testing.T) {
	c := New()
	if err := c.SetLocation("https://example.com/foo"); err != nil {
		t.Fatalf("SetLocation: %v", err)
	}
	if !c.SSL || c.Port != 443 || c.Host != "example.com" || c.Path != "foo" {
		t.Fatalf("unexpected client state: SSL=%v Port=%d Host=%q Path=%q", c.SSL, c.Port, c.Host, c.Path)
	}
}

func TestSetPathKeepsSecurePathOnDirectoryChange(t *testing.T) {
	c := New()
	c.AuthPath = "secure/"
	c.SecurePath = true
	if err := c.SetPath("/public/file"); err != nil {
		t.Fatalf("SetPath: %v", err)
	}
	if !c.SecurePath {
		t.Fatal("expected SecurePath to stay set when entering a directory other than AuthPath")
	}
}

