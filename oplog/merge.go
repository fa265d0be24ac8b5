package oplog

import (
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/stefantrew2/swarm/protocol"
)

// maxMerger resolves concurrent writes of a version vector entry to
// the greatest event value.
type maxMerger struct {
	max []byte
}

func newMaxMerger(key, value []byte) (pebble.ValueMerger, error) {
	m := &maxMerger{}
	_ = m.MergeNewer(value)
	return m, nil
}

func (m *maxMerger) put(value []byte) {
	if m.max == nil || protocol.CompareTokens(string(value), string(m.max)) > 0 {
		m.max = append(m.max[:0], value...)
	}
}

func (m *maxMerger) MergeNewer(value []byte) error {
	m.put(value)
	return nil
}

func (m *maxMerger) MergeOlder(value []byte) error {
	m.put(value)
	return nil
}

func (m *maxMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return m.max, nil, nil
}

var vvMerger = &pebble.Merger{
	Name:  "swarm.vv",
	Merge: newMaxMerger,
}
