package storage

import (
	"encoding/binary"
	"encoding/json"
)

// Pebble key schema for the ledger
//
//   run:<id>                         → Run
//   tx:<run>\x00<tick:8><seq:8>       → Transaction
//   ix:<run>\x00<tick:8><seq:8>       → Interaction
//
// Tick and sequence are big-endian so byte order equals (tick, seq) order
// and a prefix scan over one run returns records already sorted.

const (
	prefixRun         = "run:"
	prefixTransaction = "tx:"
	prefixInteraction = "ix:"
)

func runKey(id string) []byte {
	return []byte(prefixRun + id)
}

// runScope returns "<prefix><run>\x00", the scan prefix of one run's records
func runScope(prefix, run string) []byte {
	k := make([]byte, 0, len(prefix)+len(run)+1)
	k = append(k, prefix...)
	k = append(k, run...)
	return append(k, 0)
}

func recordKey(prefix, run string, tick, seq uint64) []byte {
	k := runScope(prefix, run)
	k = binary.BigEndian.AppendUint64(k, tick)
	return binary.BigEndian.AppendUint64(k, seq)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
