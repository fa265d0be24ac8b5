package oplog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stefantrew2/swarm/opstream"
	"github.com/stefantrew2/swarm/protocol"
	"github.com/stefantrew2/swarm/utils"
	"github.com/stretchr/testify/assert"
)

func fieldOp(object, event, origin, location string, value string) protocol.Op {
	return protocol.NewOp(
		protocol.NewUID("lww", ""),
		protocol.NewUID(object, "o"),
		protocol.NewUID(event, origin),
		protocol.NewUID(location, ""),
		value,
	)
}

func openTest(t *testing.T) *Store {
	store, err := Open(t.TempDir(), Options{Logger: utils.NewDiscardLogger()})
	assert.Nil(t, err)
	return store
}

func TestStore_PutObject(t *testing.T) {
	store := openTest(t)
	defer store.Close()

	state := protocol.NewStateOp(protocol.NewUID("lww", ""), protocol.NewUID("1D4ICC", "o"), protocol.NewUID("1D4ICC", "A"), "")
	ops := []protocol.Op{
		state,
		fieldOp("1D4ICC", "1D4ICCE", "A", "keyB", "^2"),
		fieldOp("1D4ICC", "1D4ICCE", "A", "keyA", `"a"`),
		fieldOp("1D4ICD", "1D4ICD1", "B", "keyA", `"other"`),
	}
	for _, op := range ops[:2] {
		has, err := store.Has(op)
		assert.Nil(t, err)
		assert.False(t, has)
		assert.Nil(t, store.Put(op))
	}
	assert.Nil(t, store.PutAll(ops[2:]))

	has, err := store.Has(ops[1])
	assert.Nil(t, err)
	assert.True(t, has)

	got, err := store.Object(protocol.NewUID("1D4ICC", "o"))
	assert.Nil(t, err)
	assert.Equal(t, 3, len(got))
	// event, then location
	assert.True(t, got[0].Equal(state))
	assert.True(t, got[1].Equal(ops[2]))
	assert.True(t, got[2].Equal(ops[1]))

	count := 0
	assert.Nil(t, store.ForEach(func(op protocol.Op) error {
		count++
		return nil
	}))
	assert.Equal(t, 4, count)

	stop := errors.New("stop")
	assert.Equal(t, stop, store.ForEach(func(op protocol.Op) error { return stop }))
}

func TestStore_VersionVector(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Options{Logger: utils.NewDiscardLogger()})
	assert.Nil(t, err)

	assert.Nil(t, store.PutAll([]protocol.Op{
		fieldOp("x", "1D4ICD", "A", "k", "^1"),
		fieldOp("x", "1D4ICC", "A", "k", "^2"),
		fieldOp("x", "5", "B", "k", "^3"),
	}))
	assert.Nil(t, store.Put(fieldOp("y", "1D4ICCZ", "A", "k", "^4")))
	vv, err := store.VersionVector()
	assert.Nil(t, err)
	assert.Equal(t, "1D4ICD-A,5-B", vv.String())
	assert.Nil(t, store.Close())
	assert.Equal(t, ErrClosed, store.Close())
	_, err = store.Has(fieldOp("x", "5", "B", "k", "^3"))
	assert.Equal(t, ErrClosed, err)

	// reopen, the merged values survive
	store, err = Open(dir, Options{ErrorIfNotExists: true, Sync: true, Logger: utils.NewDiscardLogger()})
	assert.Nil(t, err)
	defer store.Close()
	assert.Nil(t, store.Put(fieldOp("y", "1D4ICE", "A", "k", "^5")))
	vv, err = store.VersionVector()
	assert.Nil(t, err)
	assert.Equal(t, "1D4ICE", vv.Get("A"))
	assert.Equal(t, "5", vv.Get("B"))

	// "50" reads as the same number as "5" but is a later token
	assert.Nil(t, store.Put(fieldOp("y", "50", "B", "k", "^6")))
	assert.Nil(t, store.Put(fieldOp("y", "5", "B", "k", "^7")))
	vv, err = store.VersionVector()
	assert.Nil(t, err)
	assert.Equal(t, "50", vv.Get("B"))
}

func TestPersister(t *testing.T) {
	store := openTest(t)
	defer store.Close()

	loop := opstream.NewLoop()
	go loop.Run(context.Background())
	defer loop.Close()

	stream := opstream.NewBatchedOpStream(NewPersister(store),
		&opstream.NameOpt{Name: "persist-test"},
		&opstream.LoggerOpt{Logger: utils.NewDiscardLogger()},
		&opstream.SchedulerOpt{Scheduler: loop})
	defer stream.End()
	emitted := make(chan []string, 4)
	stream.AddDrainer(opstream.DrainerFunc(func(ops []protocol.Op) error {
		var strs []string
		for _, op := range ops {
			strs = append(strs, op.String())
		}
		emitted <- strs
		return nil
	}))

	var ops []protocol.Op
	for i := 0; i < 3; i++ {
		ops = append(ops, fieldOp("obj", fmt.Sprintf("ev%d", i), "A", "k", protocol.NumberValue(float64(i))))
	}
	assert.Nil(t, store.Put(ops[1]))
	assert.Nil(t, stream.OfferAll(ops...))

	assert.Equal(t, []string{ops[0].String(), ops[2].String()}, receive(t, emitted))
	got, err := store.Object(protocol.NewUID("obj", "o"))
	assert.Nil(t, err)
	assert.Equal(t, 3, len(got))

	// replay is idempotent
	assert.Nil(t, stream.OfferAll(ops...))
	assert.Nil(t, stream.OfferAll(fieldOp("obj", "ev9", "A", "k", "^9")))
	assert.Equal(t, []string{fieldOp("obj", "ev9", "A", "k", "^9").String()}, receive(t, emitted))
}

func receive(t *testing.T, ch chan []string) []string {
	select {
	case batch := <-ch:
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("no batch emitted")
		return nil
	}
}

func TestCollector(t *testing.T) {
	store := openTest(t)
	defer store.Close()
	assert.Nil(t, store.Put(fieldOp("x", "1", "A", "k", "^1")))

	reg := prometheus.NewPedanticRegistry()
	assert.Nil(t, reg.Register(NewCollector(store)))
	families, err := reg.Gather()
	assert.Nil(t, err)
	assert.Equal(t, 10, len(families))
}
