package protocol

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUID(t *testing.T) {
	uid, err := ParseUID("1D4ICC-XU5eRJ")
	assert.Nil(t, err)
	assert.Equal(t, "1D4ICC", uid.Value())
	assert.Equal(t, "XU5eRJ", uid.Origin())
	assert.Equal(t, "1D4ICC-XU5eRJ", uid.String())

	lww, err := ParseUID("lww")
	assert.Nil(t, err)
	assert.Equal(t, Zero, lww.Origin())
	assert.Equal(t, "lww", lww.String())
	assert.False(t, lww.IsZero())
	assert.True(t, NewUID("", "").IsZero())

	for _, bad := range []string{"", "a-", "-b", "12345678901", "a b", "a-b-c", "a+b"} {
		_, err := ParseUID(bad)
		assert.True(t, errors.Is(err, ErrMalformedUID), bad)
	}
}

func TestUID_Equality(t *testing.T) {
	a := NewUID("1D4ICC", "XU5eRJ")
	b := NewUID("1D4ICC", "0")
	c := NewUID("1D4ICC", "other")

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
	assert.True(t, a.Eq(b))
	assert.True(t, b.Eq(c))
	assert.False(t, a.Eq(c))
	assert.False(t, a.Eq(NewUID("1D4ICD", "XU5eRJ")))
}

func TestUID_Compare(t *testing.T) {
	assert.Equal(t, -1, CompareTokens("1", "10"))
	assert.Equal(t, 1, CompareTokens("10", "1"))
	assert.Equal(t, 0, CompareTokens("10", "10"))
	assert.Equal(t, -1, CompareTokens("9", "A"))
	assert.Equal(t, -1, CompareTokens("Z", "_"))
	assert.Equal(t, -1, CompareTokens("_", "a"))
	assert.Equal(t, 1, CompareTokens("~", "z"))
	assert.Equal(t, 1, CompareTokens("11", "1"))

	uids := []UID{
		NewUID("1D4ICD", "A"),
		NewUID("1D4ICC", "B"),
		NewUID("1D4ICC", "A"),
		NewUID("0", ""),
	}
	slices.SortFunc(uids, UID.Compare)
	assert.Equal(t, "0", uids[0].String())
	assert.Equal(t, "1D4ICC-A", uids[1].String())
	assert.Equal(t, "1D4ICC-B", uids[2].String())
	assert.Equal(t, "1D4ICD-A", uids[3].String())
	assert.True(t, uids[1].Less(uids[2]))
	assert.False(t, uids[2].Less(uids[2]))
}

func TestUID_CompareIsTotal(t *testing.T) {
	uids := []UID{
		NewUID("1", "x"),
		NewUID("10", "x"),
		NewUID("100", "x"),
		NewUID("1", "x0"),
		NewUID("1", ""),
		NewUID("10", ""),
		NewUID("1D4ICC", "XU5eRJ"),
		NewUID("1D4ICC0", "XU5eRJ"),
		NewUID("1D4ICD", "XU5eRJ"),
	}
	for _, a := range uids {
		for _, b := range uids {
			c := a.Compare(b)
			assert.Equal(t, a.Equal(b), c == 0, "%s vs %s", a, b)
			assert.Equal(t, -c, b.Compare(a), "%s vs %s", a, b)
		}
	}
	assert.True(t, NewUID("1", "x").Less(NewUID("10", "x")))
	assert.True(t, NewUID("10", "x").Less(NewUID("11", "x")))
}
