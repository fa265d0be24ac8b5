package protocol

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// VV is a version vector: the max event value seen from each origin.
type VV map[string]string

func (vv VV) Get(origin string) (value string) {
	return vv[origin]
}

// Put the origin-value pair to the VV, returns whether it was
// unseen (i.e. made any difference)
func (vv VV) Put(origin, value string) bool {
	pre, ok := vv[origin]
	if ok && CompareTokens(pre, value) >= 0 {
		return false
	}
	vv[origin] = value
	return true
}

// PutUID adds an event id to the VV, returns whether it was unseen
func (vv VV) PutUID(uid UID) bool {
	return vv.Put(uid.Origin(), uid.Value())
}

// Covers tells whether the event is at or below the VV's progress for
// its origin.
func (vv VV) Covers(uid UID) bool {
	pre, ok := vv[uid.Origin()]
	return ok && CompareTokens(pre, uid.Value()) >= 0
}

// Behind lists the entries of bb that vv does not cover yet; none
// means vv has seen everything bb has.
func (vv VV) Behind(bb VV) (missing VV) {
	missing = make(VV)
	for origin, value := range bb {
		if !vv.Covers(NewUID(value, origin)) {
			missing[origin] = value
		}
	}
	return
}

// UIDs lists the entries as value-origin UIDs, sorted by origin
func (vv VV) UIDs() (uids []UID) {
	for origin, value := range vv {
		uids = append(uids, NewUID(value, origin))
	}
	slices.SortFunc(uids, func(a, b UID) int {
		return CompareTokens(a.Origin(), b.Origin())
	})
	return
}

func (vv VV) String() string {
	uids := vv.UIDs()
	parts := make([]string, 0, len(uids))
	for _, uid := range uids {
		parts = append(parts, uid.String())
	}
	return strings.Join(parts, ",")
}

var ErrBadVV = errors.New("swarm: bad version vector")

// ParseVV reads the String form back
func ParseVV(txt string) (vv VV, err error) {
	vv = make(VV)
	if txt == "" {
		return
	}
	for _, part := range strings.Split(txt, ",") {
		uid, e := ParseUID(part)
		if e != nil || uid.Origin() == Zero {
			return nil, errors.Wrapf(ErrBadVV, "%q", part)
		}
		vv.PutUID(uid)
	}
	return
}
