package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// DocumentID derives a stable document identity from the logical name
// and the source bytes. It is used as the cache namespace root, so two
// uploads of the same file under the same name share cached rasters
// while a changed file gets a fresh namespace.
func DocumentID(name string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
