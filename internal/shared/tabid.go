package shared

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// TabHeader carries the tab id on every request from a dashboard tab.
const TabHeader = "X-Tab-ID"

// TabQueryParam carries the tab id for clients that cannot set headers,
// such as browser websockets.
const TabQueryParam = "tab"

// TabURL appends the tab id to path as a query parameter. An empty id leaves
// path unchanged.
func TabURL(path, tabID string) string {
	if tabID == "" {
		return path
	}
	return path + "?" + url.Values{TabQueryParam: {tabID}}.Encode()
}

// TabIDs issues and verifies tab ids. A tab id is a random uuid followed by an
// HMAC of it, so clients cannot mint ids for tabs they were never given.
type TabIDs struct {
	secret []byte
}

// NewTabIDs returns a TabIDs using the provided secret key.
func NewTabIDs(secret string) *TabIDs {
	return &TabIDs{secret: []byte(secret)}
}

// Issue mints a new tab id.
func (m *TabIDs) Issue() string {
	raw := uuid.NewString()
	return raw + "." + m.sign(raw)
}

// Verify checks the signature of a tab id.
func (m *TabIDs) Verify(token string) error {
	if token == "" {
		return ErrTabMissing
	}
	raw, mac, ok := strings.Cut(token, ".")
	if !ok || raw == "" || mac == "" {
		return ErrTabInvalid
	}
	if _, err := uuid.Parse(raw); err != nil {
		return ErrTabInvalid
	}
	if !hmac.Equal([]byte(m.sign(raw)), []byte(mac)) {
		return ErrTabInvalid
	}
	return nil
}

func (m *TabIDs) sign(raw string) string {
	mac := hmac.New(sha256.New, m.secret)
	_, _ = mac.Write([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
