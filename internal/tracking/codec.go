// Package tracking encodes and decodes the opaque tokens embedded in shopping
// links. A decoded token only yields short fragments of the identifiers; the
// mapping store remains the authority for who a token belongs to.
package tracking

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Prefix    = "tgn"
	Delimiter = "_"

	fragmentLength = 6
	segmentCount   = 4
)

var (
	ErrMalformedToken = errors.New("malformed tracking token")

	segmentPattern = regexp.MustCompile(`^[a-z0-9]{1,16}$`)
	nonAlnum       = regexp.MustCompile(`[^a-z0-9]`)
)

// Reason identifies why a token failed to decode
type Reason string

const (
	ReasonEmpty    Reason = "empty"
	ReasonPrefix   Reason = "prefix"
	ReasonSegments Reason = "segment_count"
	ReasonShape    Reason = "segment_shape"
)

// DecodeError is returned for every token that cannot be decoded
type DecodeError struct {
	Token  string
	Reason Reason
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tracking token %q: %s", e.Token, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedToken }

// Fragments are the hints recoverable from a token
type Fragments struct {
	User    string
	Partner string
	Time    string
}

// IssuedAt parses the time fragment. It is informational only.
func (f Fragments) IssuedAt() (time.Time, bool) {
	ms, err := strconv.ParseInt(f.Time, 36, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// Fragment returns the short, normalized fragment of an identifier
func Fragment(id string) string {
	f := nonAlnum.ReplaceAllString(strings.ToLower(id), "")
	if len(f) > fragmentLength {
		f = f[:fragmentLength]
	}
	return f
}

// Encode builds a token for a (user, partner) pair at now. The same inputs
// within the same millisecond produce the same token.
func Encode(userId, partnerId string, now time.Time) (string, error) {
	userFragment := Fragment(userId)
	if userFragment == "" {
		return "", fmt.Errorf("user id %q has no encodable characters", userId)
	}
	partnerFragment := Fragment(partnerId)
	if partnerFragment == "" {
		return "", fmt.Errorf("partner id %q has no encodable characters", partnerId)
	}
	timeFragment := strconv.FormatInt(now.UTC().UnixMilli(), 36)

	return strings.Join([]string{Prefix, userFragment, partnerFragment, timeFragment}, Delimiter), nil
}

// Normalize returns the canonical form tokens are stored under
func Normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// Decode splits a token into its fragments. It never panics on input taken
// from an external payload.
func Decode(token string) (Fragments, error) {
	if strings.TrimSpace(token) == "" {
		return Fragments{}, &DecodeError{Token: token, Reason: ReasonEmpty}
	}

	parts := strings.Split(Normalize(token), Delimiter)
	if parts[0] != Prefix {
		return Fragments{}, &DecodeError{Token: token, Reason: ReasonPrefix}
	}
	if len(parts) != segmentCount {
		return Fragments{}, &DecodeError{Token: token, Reason: ReasonSegments}
	}
	for _, segment := range parts[1:] {
		if !segmentPattern.MatchString(segment) {
			return Fragments{}, &DecodeError{Token: token, Reason: ReasonShape}
		}
	}

	return Fragments{User: parts[1], Partner: parts[2], Time: parts[3]}, nil
}
