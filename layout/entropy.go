package layout

import (
	"encoding/binary"
	"os"
	"time"
)

// RandomSeed draws a seed from the system entropy source and falls back to
// the clock and pid when none is available.
func RandomSeed() uint64 {
	var b [8]byte
	if err := readEntropy(b[:]); err == nil {
		return binary.LittleEndian.Uint64(b[:])
	}
	return uint64(time.Now().UnixNano()) ^ uint64(os.Getpid())<<32
}
