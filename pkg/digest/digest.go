// Package digest implements the Basic and Digest (RFC 2617) HTTP
// authentication schemes: parsing a WWW-Authenticate/Proxy-Authenticate
// challenge and building the matching Authorization/Proxy-Authorization
// header for the retried request.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/parasol-go/httpclient/pkg/constants"
	"github.com/parasol-go/httpclient/pkg/errors"
)

// Scheme identifies which authentication scheme a challenge carried.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeBasic
	SchemeDigest
)

// Challenge is a parsed WWW-Authenticate (or Proxy-Authenticate) header.
type Challenge struct {
	Scheme    Scheme
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string // "", "MD5" or "MD5-sess"
	Qop       string // normalized: "auth-int" if offered, else "auth", else ""
	Stale     bool
}

// ParseChallenge reads the value of a WWW-Authenticate/Proxy-Authenticate
// header and returns the scheme it advertises. Digest is preferred when a
// server sends both schemes across repeated header lines; callers parsing
// multiple header instances should keep the Digest result.
func ParseChallenge(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, errors.NewAuthError("empty authentication challenge", nil)
	}

	lower := strings.ToLower(header)
	switch {
	case strings.HasPrefix(lower, "digest "):
		return parseDigestChallenge(header[len("Digest "):])
	case strings.HasPrefix(lower, "basic"):
		rest := strings.TrimSpace(header[len("basic"):])
		return &Challenge{Scheme: SchemeBasic, Realm: parseRealmOnly(rest)}, nil
	default:
		return nil, errors.NewAuthError(fmt.Sprintf("unsupported authentication scheme: %s", header), nil)
	}
}

func parseRealmOnly(header string) string {
	params := splitParams(header)
	return unquote(params["realm"])
}

func parseDigestChallenge(rest string) (*Challenge, error) {
	params := splitParams(rest)

	c := &Challenge{
		Scheme:    SchemeDigest,
		Realm:     unquote(params["realm"]),
		Nonce:     unquote(params["nonce"]),
		Opaque:    unquote(params["opaque"]),
		Algorithm: unquote(params["algorithm"]),
		Stale:     strings.EqualFold(unquote(params["stale"]), "true"),
	}
	if c.Nonce == "" {
		return nil, errors.NewAuthError("digest challenge missing nonce", nil)
	}

	qopOffered := unquote(params["qop"])
	switch {
	case strings.Contains(qopOffered, "auth-int"):
		c.Qop = "auth-int"
	case strings.Contains(qopOffered, "auth"):
		c.Qop = "auth"
	}

	return c, nil
}

// splitParams splits a comma-separated "key=value" (value optionally
// quoted) attribute list, tolerating commas embedded inside quoted values.
func splitParams(s string) map[string]string {
	params := make(map[string]string)
	var key, val []byte
	inQuotes := false
	inValue := false

	flush := func() {
		if len(key) > 0 {
			params[strings.ToLower(strings.TrimSpace(string(key)))] = strings.TrimSpace(string(val))
		}
		key, val = nil, nil
		inValue = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			if inValue {
				val = append(val, c)
			}
		case c == '=' && !inValue && !inQuotes:
			inValue = true
		case c == ',' && !inQuotes:
			flush()
		default:
			if inValue {
				val = append(val, c)
			} else {
				key = append(key, c)
			}
		}
	}
	flush()
	return params
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// NewCNonce generates a random client nonce, constants.CNonceHexLen hex
// digits long.
func NewCNonce() (string, error) {
	buf := make([]byte, constants.CNonceHexLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewAuthError("generating client nonce", err)
	}
	return hex.EncodeToString(buf), nil
}

func md5hex(parts ...string) string {
	h := md5.New()
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildBasicHeader returns the value of an Authorization: Basic header.
func BuildBasicHeader(user, password string) string {
	raw := user + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// DigestParams carries the per-request inputs needed to compute a Digest
// response, beyond what the Challenge already holds.
type DigestParams struct {
	Method     string
	URI        string
	User       string
	Password   string
	CNonce     string
	NC         string // 8-digit hex nonce count, e.g. "00000001"
	EntityHash string // hex MD5 of the request body, only used for qop=auth-int
}

// BuildDigestHeader computes the Authorization: Digest header for c using
// p, following RFC 2617 §3.2.2: HA1 = MD5(user:realm:pass), re-hashed with
// nonce:cnonce when algorithm is MD5-sess; HA2 = MD5(method:uri), or
// MD5(method:uri:MD5(entity-body)) when qop is auth-int; response =
// MD5(HA1:nonce:nc:cnonce:qop:HA2) when qop is set, else MD5(HA1:nonce:HA2).
func BuildDigestHeader(c *Challenge, p DigestParams) (string, error) {
	if c.Nonce == "" {
		return "", errors.NewAuthError("cannot build digest header: missing nonce", nil)
	}

	ha1 := md5hex(p.User, c.Realm, p.Password)
	if strings.EqualFold(c.Algorithm, "MD5-sess") {
		ha1 = md5hex(ha1, c.Nonce, p.CNonce)
	}

	var ha2 string
	if c.Qop == "auth-int" {
		entityHash := p.EntityHash
		ha2 = md5hex(p.Method, p.URI, entityHash)
	} else {
		ha2 = md5hex(p.Method, p.URI)
	}

	var response string
	if c.Qop != "" {
		response = md5hex(ha1, c.Nonce, p.NC, p.CNonce, c.Qop, ha2)
	} else {
		response = md5hex(ha1, c.Nonce, ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		p.User, c.Realm, c.Nonce, p.URI, response)
	if c.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.Opaque)
	}
	if c.Algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, c.Algorithm)
	}
	if c.Qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, c.Qop, p.NC, p.CNonce)
	}

	return b.String(), nil
}

// ScrubPassword overwrites password's backing bytes so cleartext
// credentials do not linger in memory once authentication completes or is
// abandoned. The caller must not use password after this call.
func ScrubPassword(password []byte) {
	for i := range password {
		password[i] = 0xff
	}
	for i := range password {
		password[i] = 0x00
	}
}
