package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Register is one last-writer-wins cell of the scope state. Ties on
// timestamp break by client id, so merging is total and order-independent.
type Register struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"ts"` // unix nanos at the originating client
	ClientID  string          `json:"client_id"`
}

// State is a map of LWW registers keyed by field name. Both snapshots and
// incremental updates encode as State; merging any combination of them in
// any order yields the same result.
type State map[string]Register

// DecodeState parses a snapshot or update payload. Empty input is an
// empty state.
func DecodeState(payload []byte) (State, error) {
	if len(payload) == 0 {
		return State{}, nil
	}
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st == nil {
		st = State{}
	}
	return st, nil
}

// Encode serializes the state for storage.
func (s State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Merge folds other into s, key by key. For each key the register with the
// greater (timestamp, client id) pair wins. Commutative and associative by
// construction.
func (s State) Merge(other State) {
	for key, reg := range other {
		cur, ok := s[key]
		if !ok || wins(reg, cur) {
			s[key] = reg
		}
	}
}

func wins(a, b Register) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ClientID > b.ClientID
}

// Hash returns a canonical digest of the logical state: keys are visited
// in sorted order so two equal states always hash the same.
func (s State) Hash() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		reg := s[k]
		fmt.Fprintf(h, "%s\x00%d\x00%s\x00", k, reg.Timestamp, reg.ClientID)
		h.Write(reg.Value)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
