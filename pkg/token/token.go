package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Tokens authorize a single content path for a bounded time window.
// Format: "<unixMillis>.<signature>[.<ipHash>]". The signature is the
// URL-safe base64 (no padding) HMAC-SHA256 over "<unixMillis>.<canonicalPath>"
// keyed by the signing secret. The optional third segment binds the token to
// the client IP that requested it.

// DefaultMaxAge bounds token lifetime when no explicit age is configured.
const DefaultMaxAge = 6 * time.Hour

// ipHashLen truncates the IP binding segment to keep URLs short.
const ipHashLen = 16

var (
	ErrMalformed    = errors.New("token: malformed")
	ErrExpired      = errors.New("token: expired")
	ErrIPMismatch   = errors.New("token: ip mismatch")
	ErrBadSignature = errors.New("token: bad signature")
)

// Signer issues and validates access tokens. Validation recomputes the
// signature; nothing is stored.
type Signer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewSigner(secret string, maxAge time.Duration) *Signer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Signer{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// CanonicalPath maps a decoded path to the percent-encoded form that gets
// signed. Issuance and validation both canonicalize, so a token minted for
// "/a b.mp4" matches a request whose wire path is "/a%20b.mp4" and nothing
// else. Callers must pass decoded paths; passing an already-encoded path
// double-encodes it and the signature will not match.
func CanonicalPath(decoded string) string {
	if decoded == "" {
		return decoded
	}
	u := url.URL{Path: decoded}
	return u.EscapedPath()
}

// Issue mints a token for the given decoded path.
func (s *Signer) Issue(path string) string {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	return ts + "." + s.sign(ts, CanonicalPath(path))
}

// IssueBound mints a token additionally bound to a client IP.
func (s *Signer) IssueBound(path, clientIP string) string {
	return s.Issue(path) + "." + s.ipHash(clientIP)
}

// Bound reports whether the token carries an IP binding segment.
func Bound(tok string) bool {
	return strings.Count(tok, ".") >= 2
}

// Validate checks a token against a decoded path. clientIP is compared
// against the embedded IP hash only when the token carries one and a
// non-empty clientIP is supplied. A nil return means the token is valid.
func (s *Signer) Validate(tok, path, clientIP string) error {
	parts := strings.Split(tok, ".")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ErrMalformed
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrMalformed
	}
	if s.now().Sub(time.UnixMilli(ms)) > s.maxAge {
		return ErrExpired
	}

	if len(parts) >= 3 && clientIP != "" {
		if !hmac.Equal([]byte(parts[2]), []byte(s.ipHash(clientIP))) {
			return ErrIPMismatch
		}
	}

	want := s.sign(parts[0], CanonicalPath(path))
	if !hmac.Equal([]byte(parts[1]), []byte(want)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Signer) sign(ts, canonicalPath string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts + "." + canonicalPath))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) ipHash(ip string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ip))
	sum := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return sum[:ipHashLen]
}
