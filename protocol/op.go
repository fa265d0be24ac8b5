package protocol

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Op field pair indices in the ints array.
const (
	TypeValue = iota
	TypeOrigin
	ObjectValue
	ObjectOrigin
	EventValue
	EventOrigin
	LocationValue
	LocationOrigin
	IntCount
)

// Frame sigils.
const (
	TypeSigil     = '.'
	ObjectSigil   = '#'
	EventSigil    = '@'
	LocationSigil = ':'
	StateSigil    = '!'
	BackrefSigil  = '\\'
	StringSigil   = '"'
	NumberSigil   = '^'
	UIDSigil      = '>'
)

// StateLocation is the reserved location value of state ops. It is not
// a Base64x64 token, so it never collides with a field name.
const StateLocation = "!"

// FieldContext is what a backreference resolves against: the eight
// ints of some previous op. Empty tokens are absent. The zero value
// is no context at all.
type FieldContext [IntCount]string

var NoContext FieldContext

func (ctx FieldContext) IsEmpty() bool {
	return ctx == NoContext
}

// Pair returns the value/origin pair starting at the given index,
// ok is false if the context does not supply it.
func (ctx FieldContext) Pair(at int) (uid UID, ok bool) {
	if ctx[at] == "" {
		return ZeroUID, false
	}
	return NewUID(ctx[at], ctx[at+1]), true
}

// Op is one replication operation: type, object, event and location
// UIDs plus value tokens. An Op is immutable and fully resolved; raw
// value tokens are kept as received and decoded on demand.
type Op struct {
	ints [IntCount]string
	raw  []string
}

// StateFrame is the decoded value of a state op: the body that follows
// the state sigil, untouched.
type StateFrame string

var ErrBadValue = errors.New("swarm: bad value token")

// FromFields builds an op from explicit ints and raw value tokens, no
// parsing involved. Empty origins become "0". Use Validate to check
// ops built from untrusted fields.
func FromFields(ints [IntCount]string, raw []string) Op {
	for i := range ints {
		if ints[i] == "" {
			ints[i] = Zero
		}
	}
	return Op{ints: ints, raw: append([]string(nil), raw...)}
}

// NewOp makes a field op; raw values must be complete tokens,
// see StringValue, NumberValue and UIDValue.
func NewOp(typ, object, event, location UID, raw ...string) Op {
	return FromFields([IntCount]string{
		typ.Value(), typ.Origin(),
		object.Value(), object.Origin(),
		event.Value(), event.Origin(),
		location.Value(), location.Origin(),
	}, raw)
}

// NewStateOp makes a state op carrying the given state body.
func NewStateOp(typ, object, event UID, body string) Op {
	return NewOp(typ, object, event, UID{StateLocation, Zero}, body)
}

func (op Op) Int(i int) string {
	return op.ints[i]
}

func (op Op) Ints() [IntCount]string {
	return op.ints
}

// Context returns the op's ints as a backreference context for the
// next op.
func (op Op) Context() FieldContext {
	return FieldContext(op.ints)
}

func (op Op) pair(at int) UID {
	return UID{op.ints[at], op.ints[at+1]}
}

func (op Op) TypeUID() UID {
	return op.pair(TypeValue)
}

func (op Op) ObjectUID() UID {
	return op.pair(ObjectValue)
}

func (op Op) EventUID() UID {
	return op.pair(EventValue)
}

func (op Op) LocationUID() UID {
	return op.pair(LocationValue)
}

// IsState tells a full-state op from a field delta.
func (op Op) IsState() bool {
	return op.ints[LocationValue] == StateLocation
}

func (op Op) ValueCount() int {
	return len(op.raw)
}

// RawValue returns the i-th value token exactly as received.
func (op Op) RawValue(i int) string {
	return op.raw[i]
}

func (op Op) RawValues() []string {
	return append([]string(nil), op.raw...)
}

// Value decodes the i-th value: a string, a float64, a UID or, for
// state ops, a StateFrame.
func (op Op) Value(i int) (any, error) {
	if op.IsState() {
		return StateFrame(op.raw[i]), nil
	}
	return DecodeValue(op.raw[i])
}

func (op Op) Values() (vals []any, err error) {
	vals = make([]any, 0, len(op.raw))
	for i := range op.raw {
		var val any
		val, err = op.Value(i)
		if err != nil {
			return nil, err
		}
		vals = append(vals, val)
	}
	return
}

// Equal compares ints and raw value tokens.
func (op Op) Equal(other Op) bool {
	if op.ints != other.ints || len(op.raw) != len(other.raw) {
		return false
	}
	for i := range op.raw {
		if op.raw[i] != other.raw[i] {
			return false
		}
	}
	return true
}

// Validate checks an op built with FromFields: every int is a token,
// every raw value is a well-formed value token.
func (op Op) Validate() error {
	for i, tok := range op.ints {
		if i == LocationValue && op.IsState() {
			continue
		}
		if !IsToken(tok) {
			return errors.Wrapf(ErrMalformedUID, "int %d %q", i, tok)
		}
	}
	if op.IsState() {
		if len(op.raw) != 1 {
			return errors.Wrapf(ErrMalformedOp, "state op has %d values", len(op.raw))
		}
		if strings.ContainsAny(op.raw[0], "\r\n") {
			return errors.Wrap(ErrMalformedOp, "line break in the state body")
		}
		return nil
	}
	if len(op.raw) == 0 {
		return errors.Wrap(ErrMalformedOp, "field op has no value")
	}
	for _, tok := range op.raw {
		if n, err := scanValue(tok, 0); err != nil || n != len(tok) {
			return errors.Wrapf(ErrBadValue, "%q", tok)
		}
	}
	return nil
}

// String is the canonical frame of the op; it never abbreviates.
func (op Op) String() string {
	return string(op.AppendTo(nil))
}

// AppendTo appends the canonical frame of the op.
func (op Op) AppendTo(buf []byte) []byte {
	buf = append(buf, TypeSigil)
	buf = op.TypeUID().appendTo(buf)
	buf = append(buf, ObjectSigil)
	buf = op.ObjectUID().appendTo(buf)
	buf = append(buf, EventSigil)
	buf = op.EventUID().appendTo(buf)
	return op.appendTail(buf)
}

func (op Op) appendTail(buf []byte) []byte {
	if op.IsState() {
		buf = append(buf, StateSigil)
		for _, body := range op.raw {
			buf = append(buf, body...)
		}
		return buf
	}
	buf = append(buf, LocationSigil)
	buf = op.LocationUID().appendTo(buf)
	for _, tok := range op.raw {
		buf = append(buf, tok...)
	}
	return buf
}

// StringValue makes a quoted string value token.
func StringValue(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted)
}

// NumberValue makes a numeric value token. Only finite numbers have
// one; the token of an infinity or a NaN is rejected by Parse, Validate
// and DecodeValue alike.
func NumberValue(f float64) string {
	return string(NumberSigil) + strconv.FormatFloat(f, 'g', -1, 64)
}

// UIDValue makes a nested reference value token.
func UIDValue(uid UID) string {
	return string(UIDSigil) + uid.String()
}

// DecodeValue decodes one value token. It accepts exactly the tokens
// the frame parser does.
func DecodeValue(tok string) (any, error) {
	if end, err := scanValue(tok, 0); err != nil || end != len(tok) {
		return nil, errors.Wrapf(ErrBadValue, "%q", tok)
	}
	switch tok[0] {
	case StringSigil:
		var s string
		if err := json.Unmarshal([]byte(tok), &s); err != nil {
			return nil, errors.Wrapf(ErrBadValue, "%q: %s", tok, err.Error())
		}
		return s, nil
	case NumberSigil:
		f, err := strconv.ParseFloat(tok[1:], 64)
		if err != nil {
			return nil, errors.Wrapf(ErrBadValue, "%q", tok)
		}
		return f, nil
	case UIDSigil:
		uid, err := ParseUID(tok[1:])
		if err != nil {
			return nil, errors.Wrapf(ErrBadValue, "%q", tok)
		}
		return uid, nil
	default:
		return nil, errors.Wrapf(ErrBadValue, "%q", tok)
	}
}
