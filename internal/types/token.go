package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// LatestVersion is the sentinel meaning "current head of the stream".
// It only ever appears in in-memory tokens; a persisted event carrying it
// is a stream-integrity violation.
const LatestVersion int64 = math.MaxInt64

// ErrMalformedToken is returned when a serialized version token cannot be
// parsed. Use errors.Is to test for it.
var ErrMalformedToken = errors.New("malformed version token")

const tokenSeparator = "__"

// versionDigits is the fixed width of the serialized version field.
const versionDigits = 20

// VersionToken is the canonical identity of an event position: which
// object, which stream incarnation, which version.
type VersionToken struct {
	ObjectName string
	ObjectID   string
	StreamID   string
	Version    int64
}

// String renders the wire form:
// <objectName>__<objectId>__<streamIdentifier>__<20-digit version>.
func (t VersionToken) String() string {
	return fmt.Sprintf("%s%s%s%s%s%s%0*d",
		t.ObjectName, tokenSeparator,
		t.ObjectID, tokenSeparator,
		t.StreamID, tokenSeparator,
		versionDigits, t.Version)
}

// ToLatest returns a copy of the token pointing at the stream head.
func (t VersionToken) ToLatest() VersionToken {
	t.Version = LatestVersion
	return t
}

// IsLatest reports whether the token carries the head sentinel.
func (t VersionToken) IsLatest() bool {
	return t.Version == LatestVersion
}

// ParseVersionToken parses the wire form produced by String. The input
// must split into exactly four non-empty parts on "__", and the version
// part must be exactly 20 decimal digits. Anything else fails with
// ErrMalformedToken.
func ParseVersionToken(s string) (VersionToken, error) {
	parts := strings.Split(s, tokenSeparator)
	if len(parts) != 4 {
		return VersionToken{}, fmt.Errorf("%w: want 4 parts, got %d in %q", ErrMalformedToken, len(parts), s)
	}
	for i, p := range parts {
		if p == "" {
			return VersionToken{}, fmt.Errorf("%w: empty field %d in %q", ErrMalformedToken, i, s)
		}
	}
	ver := parts[3]
	if len(ver) != versionDigits {
		return VersionToken{}, fmt.Errorf("%w: version field %q is not %d digits", ErrMalformedToken, ver, versionDigits)
	}
	var v int64
	for _, c := range ver {
		if c < '0' || c > '9' {
			return VersionToken{}, fmt.Errorf("%w: non-decimal version %q", ErrMalformedToken, ver)
		}
		d := int64(c - '0')
		if v > (math.MaxInt64-d)/10 {
			return VersionToken{}, fmt.Errorf("%w: version %q overflows", ErrMalformedToken, ver)
		}
		v = v*10 + d
	}
	return VersionToken{
		ObjectName: parts[0],
		ObjectID:   parts[1],
		StreamID:   parts[2],
		Version:    v,
	}, nil
}

// TokenForEvent builds the token identifying an event's position in the
// document's active stream.
func TokenForEvent(e Event, doc *ObjectDocument) VersionToken {
	return VersionToken{
		ObjectName: doc.ObjectName,
		ObjectID:   doc.ObjectID,
		StreamID:   doc.Active.StreamID,
		Version:    e.Version,
	}
}
