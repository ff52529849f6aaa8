// Package notify turns provider push notifications into sync work.
package notify

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names of a Google Calendar push notification.
const (
	HeaderChannelID         = "X-Goog-Channel-Id"
	HeaderResourceID        = "X-Goog-Resource-Id"
	HeaderResourceState     = "X-Goog-Resource-State"
	HeaderChannelExpiration = "X-Goog-Channel-Expiration"
	HeaderChannelToken      = "X-Goog-Channel-Token"
	HeaderMessageNumber     = "X-Goog-Message-Number"
	HeaderResourceURI       = "X-Goog-Resource-Uri"
)

// Resource states.
const (
	StateSync   = "sync"
	StateExists = "exists"
)

var requiredHeaders = []string{
	HeaderChannelID,
	HeaderResourceID,
	HeaderResourceState,
	HeaderChannelExpiration,
}

var ErrMalformed = errors.New("malformed notification")

// Notification is one parsed push notification.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string

	// Expiration is zero when the provider's value could not be parsed.
	Expiration time.Time

	Token         string
	MessageNumber int64
	ResourceURI   string
}

// ValidateHeaders checks that every required x-goog header is present and
// non-empty. Header names match case-insensitively; other headers are
// ignored.
func ValidateHeaders(h http.Header) error {
	var missing []string
	for _, name := range requiredHeaders {
		if lookup(h, name) == "" {
			missing = append(missing, strings.ToLower(name))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}
	return nil
}

// ParseNotification validates h and extracts the notification.
func ParseNotification(h http.Header) (Notification, error) {
	if err := ValidateHeaders(h); err != nil {
		return Notification{}, err
	}
	n := Notification{
		ChannelID:     lookup(h, HeaderChannelID),
		ResourceID:    lookup(h, HeaderResourceID),
		ResourceState: strings.ToLower(lookup(h, HeaderResourceState)),
		Token:         lookup(h, HeaderChannelToken),
		ResourceURI:   lookup(h, HeaderResourceURI),
	}
	if t, err := http.ParseTime(lookup(h, HeaderChannelExpiration)); err == nil {
		n.Expiration = t.UTC()
	}
	if v := lookup(h, HeaderMessageNumber); v != "" {
		n.MessageNumber, _ = strconv.ParseInt(v, 10, 64)
	}
	return n, nil
}

// TokenMatches reports whether n carries the expected channel token. An
// empty expectation accepts any notification.
func (n Notification) TokenMatches(expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(n.Token), []byte(expected)) == 1
}

func lookup(h http.Header, name string) string {
	if v := strings.TrimSpace(h.Get(name)); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
	}
	return ""
}
