package aox

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id for connections/sessions/operations, for
// correlating log lines.
func Cid() int64 {
	return cid.Add(1)
}

// CryptoRandInt returns a cryptographically random number, e.g. for
// authentication challenges.
func CryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := rand.Read(buf)
	if err != nil {
		panic("reading random bytes: " + err.Error())
	}
	return int64(binary.LittleEndian.Uint64(buf))
}
