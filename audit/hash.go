package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"time"
)

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// PayloadHash returns the digest stored alongside a payload.
func PayloadHash(payload []byte) string {
	return hashBytes(payload)
}

// ComputeHash returns H(sequence ‖ timestamp ‖ actor ‖ action ‖ entityRef ‖
// payloadHash ‖ previousHash). Every field is length-prefixed so that no two
// distinct entries share an encoding.
func ComputeHash(e Entry) string {
	h := sha256.New()
	writeField(h, strconv.FormatUint(e.Sequence, 10))
	writeField(h, e.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(h, e.Actor)
	writeField(h, e.Action)
	writeField(h, e.EntityRef)
	writeField(h, e.PayloadHash)
	writeField(h, e.PreviousHash)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
