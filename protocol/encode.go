package protocol

import (
	"bytes"
)

// AppendAbbreviated appends the op compressed against ctx: header
// fields equal to the context are omitted, an event minted by the same
// origin shares its value prefix with the context event. Parsing the
// result against the same ctx yields the op back.
func (op Op) AppendAbbreviated(buf []byte, ctx FieldContext) []byte {
	for f, sigil := range headerSigils {
		at := f * 2
		uid := op.pair(at)
		base, ok := ctx.Pair(at)
		if ok && base.Equal(uid) {
			continue
		}
		buf = append(buf, sigil)
		if ok && at == EventValue {
			if keep := sharedPrefix(base, uid); keep >= MinPrefix {
				buf = append(buf, BackrefSigil, PrefixBracket(keep))
				buf = append(buf, uid.Value()[keep:]...)
				buf = append(buf, BackrefSigil)
				continue
			}
		}
		buf = uid.appendTo(buf)
	}
	return op.appendTail(buf)
}

// sharedPrefix is the prefix length a backreference may keep: same
// origin, at most the longest bracket.
func sharedPrefix(base, uid UID) int {
	if base.Origin() != uid.Origin() {
		return 0
	}
	a, b := base.Value(), uid.Value()
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return min(n, MinPrefix+len(prefixBrackets)-1)
}

// Encoder turns ops into newline-terminated frames, each abbreviated
// against the op sent before it.
type Encoder struct {
	ctx FieldContext
}

func (enc *Encoder) AppendOp(buf []byte, op Op) []byte {
	buf = op.AppendAbbreviated(buf, enc.ctx)
	enc.ctx = op.Context()
	return append(buf, '\n')
}

// Encode makes one record per op.
func (enc *Encoder) Encode(ops []Op) (recs Records) {
	recs = make(Records, 0, len(ops))
	for _, op := range ops {
		recs = append(recs, enc.AppendOp(nil, op))
	}
	return
}

func (enc *Encoder) Reset() {
	enc.ctx = NoContext
}

// Decoder is the receiving side of an Encoder: it carries the context
// from one frame to the next. A rejected frame leaves it unchanged.
type Decoder struct {
	ctx FieldContext
}

func (dec *Decoder) Decode(frame []byte) (ops []Op, err error) {
	frame = bytes.TrimRight(frame, "\r\n")
	ops, err = ParseFrame(string(frame), dec.ctx)
	if err != nil {
		return nil, err
	}
	dec.ctx = ops[len(ops)-1].Context()
	return
}

func (dec *Decoder) Reset() {
	dec.ctx = NoContext
}
