package sdruntime

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

// RandomSeed draws a non-negative seed from crypto/rand.
func RandomSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("sdruntime: read random seed: %w", err)
	}
	return int64(binary.BigEndian.Uint64(buf[:]) & math.MaxInt64), nil
}
