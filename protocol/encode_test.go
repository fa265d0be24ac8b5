package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleOps() []Op {
	lww := NewUID("lww", "")
	obj := NewUID("1D4ICC", "XU5eRJ")
	return []Op{
		NewStateOp(lww, obj, NewUID("1D4ICCE", "XU5eRJ"), ""),
		NewOp(lww, obj, NewUID("1D4ICCE", "XU5eRJ"), NewUID("keyA", ""), `"valueA"`),
		NewOp(lww, obj, NewUID("1D4ICC1", "XU5eRJ"), NewUID("keyB", ""), "^3.141592e0"),
		NewOp(lww, obj, NewUID("1D4ICC1", "other"), NewUID("keyB", ""), `"x"`),
		NewOp(lww, NewUID("1D4ICZ", "XU5eRJ"), NewUID("1D4IC", "other"), NewUID("keyC", ""), ">1D4ICC-XU5eRJ"),
		NewOp(NewUID("json", ""), NewUID("1D4ICZ", "XU5eRJ"), NewUID("1D4ICZ1", "other"), NewUID("len", ""), "^2"),
		NewStateOp(NewUID("json", ""), NewUID("1D4ICZ", "XU5eRJ"), NewUID("1D4ICZ2", "other"), `{"len":2}`),
	}
}

func TestOp_AppendAbbreviated(t *testing.T) {
	ops := sampleOps()
	second := ops[1]
	third := ops[2]
	assert.Equal(t, `@\{1\:keyB^3.141592e0`, string(third.AppendAbbreviated(nil, second.Context())))
	assert.Equal(t, third.String(), string(third.AppendAbbreviated(nil, NoContext)))
	assert.Equal(t, `:keyA"valueA"`, string(second.AppendAbbreviated(nil, ops[0].Context())))

	ctx := NoContext
	for _, op := range ops {
		short := string(op.AppendAbbreviated(nil, ctx))
		assert.LessOrEqual(t, len(short), len(op.String()))
		parsed, err := Parse(short, ctx)
		assert.Nil(t, err, short)
		assert.True(t, op.Equal(parsed), short)
		ctx = op.Context()
	}
}

func TestEncoderDecoder(t *testing.T) {
	ops := sampleOps()
	var enc Encoder
	var dec Decoder
	recs := enc.Encode(ops)
	assert.Equal(t, len(ops), len(recs))
	for i, rec := range recs {
		assert.Equal(t, byte('\n'), rec[len(rec)-1])
		got, err := dec.Decode(rec)
		assert.Nil(t, err, string(rec))
		assert.Equal(t, 1, len(got))
		assert.True(t, ops[i].Equal(got[0]), string(rec))
	}

	// a rejected frame does not move the decoder context
	enc.Reset()
	dec.Reset()
	first := enc.AppendOp(nil, ops[1])
	next := enc.AppendOp(nil, ops[2])
	_, err := dec.Decode(first)
	assert.Nil(t, err)
	_, err = dec.Decode([]byte("@\\{1\\:keyB\n"))
	assert.True(t, errors.Is(err, ErrMalformedOp))
	got, err := dec.Decode(next)
	assert.Nil(t, err)
	assert.True(t, ops[2].Equal(got[0]))

	// several ops on one line
	enc.Reset()
	var line []byte
	for _, op := range ops[1:4] {
		line = append(line, op.AppendAbbreviated(nil, enc.ctx)...)
		enc.ctx = op.Context()
	}
	dec.Reset()
	got, err = dec.Decode(append(line, '\r', '\n'))
	assert.Nil(t, err)
	assert.Equal(t, 3, len(got))
	assert.True(t, ops[3].Equal(got[2]))
}
