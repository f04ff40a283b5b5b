package scrapbookd

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrTokenInvalid indicates a token that does not exist or has expired.
var ErrTokenInvalid = errors.New("token invalid or expired")

// tokenByteLength yields at least 128 bits of entropy once base64-encoded.
const tokenByteLength = 18

// TokenStore issues and validates single-use, time-expiring opaque tokens
// backed by files under Root, per the write-rewrite-rename-free token
// protocol: each token is just a file holding its own expiry.
type TokenStore struct {
	Root            string
	Expiry          time.Duration
	PurgeInterval   time.Duration
	metrics         *Metrics

	now func() time.Time

	mu         sync.Mutex
	lastPurge  time.Time
}

// NewTokenStore constructs a TokenStore rooted at root (typically
// <physical_root>/.wsb/server/tokens).
func NewTokenStore(root string, expiry, purgeInterval time.Duration, metrics *Metrics) *TokenStore {
	return &TokenStore{
		Root:          root,
		Expiry:        expiry,
		PurgeInterval: purgeInterval,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Acquire creates and returns a new token, lazily sweeping expired tokens
// first if PurgeInterval has elapsed since the last sweep.
func (s *TokenStore) Acquire() (string, error) {
	s.maybeSweep()

	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return "", fmt.Errorf("prepare token directory: %w", err)
	}

	token, err := randomURLSafeToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	expiry := s.now().Add(s.Expiry).Unix()
	path := filepath.Join(s.Root, token)
	//nolint:gosec // G304: path is root-joined with a freshly generated token, not user input
	if err := os.WriteFile(path, []byte(strconv.FormatInt(expiry, 10)), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IncTokensIssued()
	}

	return token, nil
}

// Validate reports whether token exists and has not expired. An expired
// token is deleted as a side effect.
func (s *TokenStore) Validate(token string) bool {
	path, ok := s.pathFor(token)
	if !ok {
		return false
	}

	//nolint:gosec // G304: path is root-joined and validated by pathFor
	contents, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	expiry, err := strconv.ParseInt(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		return false
	}

	if s.now().Unix() >= expiry {
		_ = os.Remove(path)
		return false
	}

	return true
}

// Consume deletes the token file. Failures are non-fatal: the token is
// already one-shot semantically once validated.
func (s *TokenStore) Consume(token string) {
	path, ok := s.pathFor(token)
	if !ok {
		return
	}
	_ = os.Remove(path)
	if s.metrics != nil {
		s.metrics.IncTokensConsumed()
	}
}

// pathFor joins token under Root, rejecting any token whose value would
// escape (e.g. containing path separators).
func (s *TokenStore) pathFor(token string) (string, bool) {
	if token == "" || strings.ContainsAny(token, "/\\") {
		return "", false
	}
	return filepath.Join(s.Root, token), true
}

func (s *TokenStore) maybeSweep() {
	s.mu.Lock()
	due := s.now().Sub(s.lastPurge) >= s.PurgeInterval
	if due {
		s.lastPurge = s.now()
	}
	s.mu.Unlock()

	if due {
		s.sweep()
	}
}

// sweep enumerates the token directory and deletes expired files.
func (s *TokenStore) sweep() {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return
	}

	swept := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.Root, e.Name())
		//nolint:gosec // G304: path is root-joined from a directory listing, not user input
		contents, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		expiry, err := strconv.ParseInt(strings.TrimSpace(string(contents)), 10, 64)
		if err != nil {
			continue
		}
		if s.now().Unix() >= expiry {
			if os.Remove(path) == nil {
				swept++
			}
		}
	}

	if swept > 0 && s.metrics != nil {
		s.metrics.IncTokensSwept(swept)
	}
}

func randomURLSafeToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
