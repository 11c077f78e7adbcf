package audit

import (
	"encoding/json"
	"strings"
	"time"
)

// GenesisHash is the previous hash of the first entry of every chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single immutable link of the chain.
type Entry struct {
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	EntityRef    string          `json:"entity_ref"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// Record is what callers hand to Append; the chain fills in sequence,
// timestamp and hashes.
type Record struct {
	Actor     string
	Action    string
	EntityRef string
	Payload   any
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	EntityRef string
	// EntityPrefix matches every entity reference starting with the prefix,
	// e.g. "tender:" for all tender entries.
	EntityPrefix string
	Actor        string
	Action       string
	From         *time.Time
	To           *time.Time
	FromSeq      uint64
	ToSeq        uint64
	Limit        int
}

func (f Filter) Matches(e Entry) bool {
	if f.EntityRef != "" && e.EntityRef != f.EntityRef {
		return false
	}
	if f.EntityPrefix != "" && !strings.HasPrefix(e.EntityRef, f.EntityPrefix) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	if f.FromSeq > 0 && e.Sequence < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.Sequence > f.ToSeq {
		return false
	}
	return true
}

// Ref builds the entity reference used across the engine, e.g. Ref("tender", id).
func Ref(kind, id string) string {
	return kind + ":" + id
}
