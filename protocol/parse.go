package protocol

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedOp = errors.New("swarm: malformed op")
var ErrUnresolvedBackreference = errors.New("swarm: unresolved backreference")

// header sigils in their mandatory order
var headerSigils = [3]byte{TypeSigil, ObjectSigil, EventSigil}

// Parse reads exactly one op; backreferences and omitted fields are
// resolved against ctx. The op never retains ctx.
//
//	.lww#1D4ICC-XU5eRJ@\{E\!           state op, no context needed
//	@\{1\:keyB^3.141592e0              continues a previous op
func Parse(text string, ctx FieldContext) (op Op, err error) {
	p := parser{text: text}
	op, err = p.parseOp(ctx)
	if err == nil && p.pos < len(p.text) {
		err = p.fail(ErrMalformedOp, "trailing data")
	}
	return
}

// ParseFrame reads a frame of one or more ops. The first op resolves
// against ctx, every next op against the one before it.
func ParseFrame(text string, ctx FieldContext) (ops []Op, err error) {
	p := parser{text: text}
	for p.pos < len(p.text) {
		var op Op
		op, err = p.parseOp(ctx)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		ctx = op.Context()
	}
	if len(ops) == 0 {
		return nil, errors.Wrap(ErrMalformedOp, "empty frame")
	}
	return
}

type parser struct {
	text string
	pos  int
}

func (p *parser) peek() byte {
	if p.pos < len(p.text) {
		return p.text[p.pos]
	}
	return 0
}

func (p *parser) fail(err error, what string) error {
	return errors.Wrapf(err, "at %d: %s", p.pos, what)
}

func (p *parser) parseOp(ctx FieldContext) (op Op, err error) {
	var prev UID
	for f, sigil := range headerSigils {
		at := f * 2
		var uid UID
		if p.peek() == sigil {
			p.pos++
			uid, err = p.parseRef(ctx, at, prev, f > 0)
			if err != nil {
				return
			}
		} else {
			var ok bool
			uid, ok = ctx.Pair(at)
			if !ok {
				err = p.fail(ErrUnresolvedBackreference, "no "+string(sigil)+" field")
				return
			}
		}
		op.ints[at], op.ints[at+1] = uid.Value(), uid.Origin()
		prev = uid
	}

	switch p.peek() {
	case StateSigil:
		p.pos++
		op.ints[LocationValue], op.ints[LocationOrigin] = StateLocation, Zero
		op.raw = []string{p.text[p.pos:]}
		p.pos = len(p.text)
	case LocationSigil:
		p.pos++
		var loc UID
		loc, err = p.parseRef(ctx, LocationValue, prev, true)
		if err != nil {
			return
		}
		op.ints[LocationValue], op.ints[LocationOrigin] = loc.Value(), loc.Origin()
		for isValueSigil(p.peek()) {
			var end int
			end, err = scanValue(p.text, p.pos)
			if err != nil {
				err = p.fail(ErrMalformedOp, err.Error())
				return
			}
			op.raw = append(op.raw, p.text[p.pos:end])
			p.pos = end
		}
		if len(op.raw) == 0 {
			err = p.fail(ErrMalformedOp, "no value")
		}
	default:
		err = p.fail(ErrMalformedOp, "expected ! or :")
	}
	return
}

func (p *parser) scanToken() string {
	from := p.pos
	for p.pos < len(p.text) && IsBase64(p.text[p.pos]) {
		p.pos++
	}
	return p.text[from:p.pos]
}

// parseUID reads a full value[-origin] token.
func (p *parser) parseUID() (uid UID, err error) {
	from := p.pos
	value := p.scanToken()
	origin := Zero
	if p.peek() == '-' {
		p.pos++
		origin = p.scanToken()
	}
	if value == "" {
		return ZeroUID, p.fail(ErrMalformedOp, "no uid")
	}
	if !IsToken(value) || !IsToken(origin) {
		return ZeroUID, p.fail(ErrMalformedUID, p.text[from:p.pos])
	}
	return NewUID(value, origin), nil
}

// parseRef reads either a full UID or a backreference. The base of a
// backreference is the context's pair at the same position or, failing
// that, the previous field of the op being parsed.
func (p *parser) parseRef(ctx FieldContext, at int, prev UID, hasPrev bool) (uid UID, err error) {
	if p.peek() != BackrefSigil {
		return p.parseUID()
	}
	p.pos++
	base, ok := ctx.Pair(at)
	if !ok {
		if !hasPrev {
			return ZeroUID, p.fail(ErrUnresolvedBackreference, "nothing to refer to")
		}
		base = prev
	}
	keep := PrefixLen(p.peek())
	if keep > 0 {
		p.pos++
	}
	suffix := p.scanToken()
	value := ResolvePrefix(base.Value(), keep, suffix)
	var origin string
	switch p.peek() {
	case BackrefSigil:
		p.pos++
		origin = base.Origin()
	case '-':
		p.pos++
		origin = p.scanToken()
	default:
		return ZeroUID, p.fail(ErrMalformedOp, "unterminated backreference")
	}
	if !IsToken(value) || !IsToken(origin) {
		return ZeroUID, p.fail(ErrMalformedUID, value+"-"+origin)
	}
	return NewUID(value, origin), nil
}

// prefix brackets, each keeps 4+index leading chars of the base value
const prefixBrackets = "([{}])"

const MinPrefix = 4

// PrefixLen maps a prefix bracket to the number of chars it keeps,
// 0 for anything else.
func PrefixLen(c byte) int {
	i := strings.IndexByte(prefixBrackets, c)
	if i < 0 || c == 0 {
		return 0
	}
	return MinPrefix + i
}

// PrefixBracket is the inverse of PrefixLen.
func PrefixBracket(keep int) byte {
	return prefixBrackets[keep-MinPrefix]
}

// ResolvePrefix keeps the first keep chars of base (all of them if
// keep is 0) and appends the suffix. A base shorter than keep is
// padded with zeros, but only when a suffix follows.
func ResolvePrefix(base string, keep int, suffix string) string {
	if keep == 0 {
		return base + suffix
	}
	if keep <= len(base) {
		return base[:keep] + suffix
	}
	if suffix == "" {
		return base
	}
	return base + strings.Repeat(Zero, keep-len(base)) + suffix
}

func isValueSigil(c byte) bool {
	return c == StringSigil || c == NumberSigil || c == UIDSigil
}

// scanValue checks the syntax of the value token at from and returns
// the index right after it. Decoding is left for later.
func scanValue(text string, from int) (end int, err error) {
	if from >= len(text) {
		return from, ErrBadValue
	}
	i := from + 1
	switch text[from] {
	case StringSigil:
		for i < len(text) {
			c := text[i]
			switch {
			case c == StringSigil:
				return i + 1, nil
			case c < ' ':
				return i, ErrBadValue
			case c == '\\':
				if i+1 >= len(text) {
					return i, ErrBadValue
				}
				switch text[i+1] {
				case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
					i += 2
				case 'u':
					if i+6 > len(text) {
						return i, ErrBadValue
					}
					if _, e := strconv.ParseUint(text[i+2:i+6], 16, 16); e != nil {
						return i, ErrBadValue
					}
					i += 6
				default:
					return i, ErrBadValue
				}
			default:
				i++
			}
		}
		return i, ErrBadValue
	case NumberSigil:
		for i < len(text) && isNumberChar(text[i]) {
			i++
		}
		if _, e := strconv.ParseFloat(text[from+1:i], 64); e != nil {
			return i, ErrBadValue
		}
		return i, nil
	case UIDSigil:
		for i < len(text) && (IsBase64(text[i]) || text[i] == '-') {
			i++
		}
		if _, e := ParseUID(text[from+1 : i]); e != nil {
			return i, ErrBadValue
		}
		return i, nil
	}
	return from, ErrBadValue
}

func isNumberChar(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E'
}
