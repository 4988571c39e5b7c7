package crypto

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// MessageID derives the history id of a message from the remote peer, the
// direction, the time it was observed (unix nanos) and the payload. Each
// field is length-prefixed so distinct inputs never collide by concatenation.
func MessageID(peerID string, direction string, unixNano int64, payload []byte) string {
	hash, _ := blake2b.New256(nil)

	writeField(hash, []byte(peerID))
	writeField(hash, []byte(direction))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(unixNano))
	hash.Write(ts[:])

	writeField(hash, payload)

	return hex.EncodeToString(hash.Sum(nil))
}

func writeField(w interface{ Write([]byte) (int, error) }, field []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(field)))
	w.Write(n[:])
	w.Write(field)
}
