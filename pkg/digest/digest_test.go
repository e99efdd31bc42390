package digest

import "testing"

func TestBuildDigestHeaderRFC2617Vector(t *testing.T) {
	c := &Challenge{
		Scheme: SchemeDigest,
		Realm:  "testrealm@host.com",
		Nonce:  "dcd98b7102dd2f0e8b11d0f600bfb0c093",
		Qop:    "auth",
	}
	p := DigestParams{
		Method:   "GET",
		URI:      "/dir/index.html",
		User:     "Mufasa",
		Password: "Circle Of Life",
		CNonce:   "0a4f113b",
		NC:       "00000001",
	}

	want := "6629fae49393a05397450978507c4ef1"
	ha1 := md5hex(p.User, c.Realm, p.Password)
	ha2 := md5hex(p.Method, p.URI)
	got := md5hex(ha1, c.Nonce, p.NC, p.CNonce, c.Qop, ha2)

	if got != want {
		t.Fatalf("response = %s, want %s", got, want)
	}

	header, err := BuildDigestHeader(c, p)
	if err != nil {
		t.Fatalf("BuildDigestHeader: %v", err)
	}
	if !contains(header, want) {
		t.Fatalf("header %q does not contain expected response %s", header, want)
	}
}

func TestParseDigestChallenge(t *testing.T) {
	header := `Digest realm="testrealm@host.com", qop="auth,auth-int", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`

	c, err := ParseChallenge(header)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if c.Scheme != SchemeDigest {
		t.Fatalf("scheme = %v, want SchemeDigest", c.Scheme)
	}
	if c.Realm != "testrealm@host.com" {
		t.Fatalf("realm = %q", c.Realm)
	}
	if c.Nonce != "dcd98b7102dd2f0e8b11d0f600bfb0c093" {
		t.Fatalf("nonce = %q", c.Nonce)
	}
	if c.Qop != "auth-int" {
		t.Fatalf("qop = %q, want auth-int (preferred when offered)", c.Qop)
	}
	if c.Opaque != "5ccc069c403ebaf9f0171e9517f40e41" {
		t.Fatalf("opaque = %q", c.Opaque)
	}
}

func TestParseBasicChallenge(t *testing.T) {
	c, err := ParseChallenge(`Basic realm="example"`)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if c.Scheme != SchemeBasic {
		t.Fatalf("scheme = %v, want SchemeBasic", c.Scheme)
	}
	if c.Realm != "example" {
		t.Fatalf("realm = %q", c.Realm)
	}
}

func TestBuildBasicHeader(t *testing.T) {
	got := BuildBasicHeader("Aladdin", "open sesame")
	want := "Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ=="
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewCNonceLength(t *testing.T) {
	n, err := NewCNonce()
	if err != nil {
		t.Fatalf("NewCNonce: %v", err)
	}
	if len(n) != 8 {
		t.Fatalf("len(cnonce) = %d, want 8", len(n))
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
