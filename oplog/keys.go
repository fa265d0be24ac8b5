package oplog

import (
	"bytes"

	"github.com/stefantrew2/swarm/protocol"
)

// Key layout:
//
//	O object 0 event 0 location   ->  canonical op text
//	V origin                      ->  max event value seen from origin
const (
	OpPrefix = 'O'
	VVPrefix = 'V'
	sep      = 0
)

func OKey(op protocol.Op) (key []byte) {
	key = ObjectPrefix(op.ObjectUID())
	key = append(key, op.EventUID().String()...)
	key = append(key, sep)
	key = append(key, op.LocationUID().String()...)
	return
}

// ObjectPrefix is the common prefix of the keys of one object's ops.
func ObjectPrefix(oid protocol.UID) (key []byte) {
	key = append(key, OpPrefix)
	key = append(key, oid.String()...)
	key = append(key, sep)
	return
}

// ObjectKeyRange bounds the keys of one object's ops.
func ObjectKeyRange(oid protocol.UID) (fro, til []byte) {
	fro = ObjectPrefix(oid)
	til = bytes.Clone(fro)
	til[len(til)-1] = sep + 1
	return
}

func VKey(origin string) []byte {
	return append([]byte{VVPrefix}, origin...)
}

func VKeyOrigin(key []byte) (origin string, ok bool) {
	if len(key) < 2 || key[0] != VVPrefix {
		return "", false
	}
	return string(key[1:]), true
}
