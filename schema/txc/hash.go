package txc

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
)

const hashChunkSize = 8 * 1024

// Hash returns the hex SHA-1 of everything read from r, consumed in 8 KiB
// chunks.
func Hash(r io.Reader) (string, error) {
	h := sha1.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
