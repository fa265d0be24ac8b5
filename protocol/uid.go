package protocol

import (
	"cmp"
	"strings"

	"github.com/pkg/errors"
)

/*
	UID is a causally meaningful identifier: a value and the origin
	(authoring replica) that minted it. Both parts are Base64x64 tokens:
	up to 10 chars of the alphabet 0-9A-Z_a-z~, trailing zeros trimmed.

	1D4ICCE-XU5eRJ
	|.value.|origin|

A token "0" is the default/unset part. Global names (types like "lww")
have the default origin.
*/
type UID struct {
	value  string
	origin string
}

const Zero = "0"

// MaxTokenLen is the length of a full 64-bit Base64x64 token.
const MaxTokenLen = 10

var ZeroUID = UID{Zero, Zero}

var ErrMalformedUID = errors.New("swarm: malformed uid")

// NewUID makes a UID out of two tokens; empty parts become "0".
func NewUID(value, origin string) UID {
	if value == "" {
		value = Zero
	}
	if origin == "" {
		origin = Zero
	}
	return UID{value, origin}
}

// ParseUID parses a full (non-abbreviated) value-origin token.
// The origin may be omitted, then it is "0".
func ParseUID(token string) (uid UID, err error) {
	value, origin, dash := strings.Cut(token, "-")
	if !IsToken(value) || (dash && !IsToken(origin)) {
		return ZeroUID, errors.Wrapf(ErrMalformedUID, "%q", token)
	}
	return NewUID(value, origin), nil
}

func (uid UID) Value() string {
	return uid.value
}

func (uid UID) Origin() string {
	return uid.origin
}

func (uid UID) IsZero() bool {
	return uid.Value() == Zero && uid.Origin() == Zero
}

// Equal is the strict equality: both parts match.
func (uid UID) Equal(other UID) bool {
	return uid.Value() == other.Value() && uid.Origin() == other.Origin()
}

// Eq is the weak equality: the values match and the origins either
// match or one of them is the default "0".
func (uid UID) Eq(other UID) bool {
	if uid.Value() != other.Value() {
		return false
	}
	o1, o2 := uid.Origin(), other.Origin()
	return o1 == o2 || o1 == Zero || o2 == Zero
}

// Compare orders UIDs by value, then by origin; values are compared
// as Base64x64 numbers.
func (uid UID) Compare(other UID) int {
	if c := CompareTokens(uid.Value(), other.Value()); c != 0 {
		return c
	}
	return CompareTokens(uid.Origin(), other.Origin())
}

func (uid UID) Less(other UID) bool {
	return uid.Compare(other) < 0
}

func (uid UID) String() string {
	return string(uid.appendTo(nil))
}

func (uid UID) appendTo(buf []byte) []byte {
	buf = append(buf, uid.Value()...)
	if uid.Origin() != Zero {
		buf = append(buf, '-')
		buf = append(buf, uid.Origin()...)
	}
	return buf
}

// IsBase64 tells whether c belongs to the Base64x64 alphabet.
// The alphabet is in ASCII order, so tokens compare lexically.
func IsBase64(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') || c == '_' || c == '~'
}

// IsToken checks a Base64x64 token: 1 to 10 alphabet chars.
func IsToken(token string) bool {
	if len(token) == 0 || len(token) > MaxTokenLen {
		return false
	}
	for i := 0; i < len(token); i++ {
		if !IsBase64(token[i]) {
			return false
		}
	}
	return true
}

// CompareTokens compares two tokens as numbers, i.e. the shorter one
// is padded with zeros on the right. Tokens equal as numbers, like "1"
// and "10", order by length, so 0 means the very same token.
func CompareTokens(a, b string) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		ca, cb := byte('0'), byte('0')
		if i < len(a) {
			ca = a[i]
		}
		if i < len(b) {
			cb = b[i]
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	return cmp.Compare(len(a), len(b))
}
