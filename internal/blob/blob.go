package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Store hands out short-lived access URLs for stored file blobs. The download
// guard never streams bytes itself; it only forwards these URLs.
type Store interface {
	TemporaryURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

var (
	ErrInvalidRef   = errors.New("blob: invalid file reference")
	ErrLinkExpired  = errors.New("blob: link expired")
	ErrBadSignature = errors.New("blob: bad signature")
)

// URLSigner implements Store by signing URLs with an HMAC over (ref, expiry).
// The object host verifies the same signature; no server-side state is kept.
type URLSigner struct {
	baseURL string
	secret  []byte
	now     func() time.Time
}

// Option configures URLSigner behavior.
type Option func(*URLSigner)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *URLSigner) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewURLSigner builds a signer rooted at baseURL (e.g. the object host).
func NewURLSigner(baseURL string, secret []byte, opts ...Option) (*URLSigner, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("blob: base URL is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("blob: signing secret is required")
	}
	s := &URLSigner{baseURL: baseURL, secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *URLSigner) TemporaryURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidRef
	}
	if ttl <= 0 {
		return "", errors.New("blob: ttl must be greater than zero")
	}
	exp := s.now().UTC().Add(ttl).Unix()
	sig := s.sign(ref, exp)

	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)
	return fmt.Sprintf("%s/%s?%s", s.baseURL, url.PathEscape(ref), q.Encode()), nil
}

// Verify validates a previously issued (ref, exp, sig) triple.
func (s *URLSigner) Verify(ref string, exp int64, sig string) error {
	if strings.TrimSpace(ref) == "" {
		return ErrInvalidRef
	}
	if s.now().UTC().Unix() > exp {
		return ErrLinkExpired
	}
	expected := s.sign(ref, exp)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func (s *URLSigner) sign(ref string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ref))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
