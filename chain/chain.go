// Package chain maintains a periodically synced, immutable view of the
// subnet metagraph and answers registration and validator lookups without
// touching the chain on the hot path.
package chain

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// KeyID is a hex encoded public key identifying a peer on the chain.
type KeyID string

// Bytes decodes the key into its raw 32 byte form.
func (k KeyID) Bytes() ([]byte, error) {
	s := strings.TrimPrefix(string(k), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode key id")
	}
	if len(b) != 32 {
		return nil, errors.Errorf("key id must be 32 bytes, got %d", len(b))
	}
	return b, nil
}

// Info is the registration record of a hotkey on the subnet.
type Info struct {
	UID       int
	Validator bool
	Stake     float64
}

// Metagraph is the minimal chain query surface the broker consumes.
type Metagraph struct {
	Hotkeys         []KeyID
	ValidatorPermit []bool
	Stakes          []float64
}

// Client fetches the metagraph for a subnet. Implementations must honor the
// context deadline.
type Client interface {
	Metagraph(ctx context.Context, netuid int) (*Metagraph, error)
}

// ErrUnavailable is returned when no sufficiently fresh snapshot exists and
// direct queries are disabled or failing.
var ErrUnavailable = errors.New("chain view unavailable")

// ErrNotFound is returned for hotkeys absent from the snapshot.
var ErrNotFound = errors.New("hotkey not registered")

// Snapshot is an immutable metagraph view. It is built once by the sync
// task and then only read.
type Snapshot struct {
	syncedAt time.Time
	byHotkey map[KeyID]Info
}

// NewSnapshot builds a snapshot from a fetched metagraph.
func NewSnapshot(m *Metagraph, syncedAt time.Time) (*Snapshot, error) {
	if len(m.Hotkeys) != len(m.ValidatorPermit) || len(m.Hotkeys) != len(m.Stakes) {
		return nil, errors.Errorf(
			"inconsistent metagraph: %d hotkeys, %d permits, %d stakes",
			len(m.Hotkeys), len(m.ValidatorPermit), len(m.Stakes),
		)
	}
	byHotkey := make(map[KeyID]Info, len(m.Hotkeys))
	for i, hk := range m.Hotkeys {
		byHotkey[hk] = Info{
			UID:       i,
			Validator: m.ValidatorPermit[i],
			Stake:     m.Stakes[i],
		}
	}
	return &Snapshot{syncedAt: syncedAt, byHotkey: byHotkey}, nil
}

// Lookup returns the registration info of a hotkey.
func (s *Snapshot) Lookup(hotkey KeyID) (Info, bool) {
	info, ok := s.byHotkey[hotkey]
	return info, ok
}

// Hotkeys returns the registered hotkeys in UID order.
func (s *Snapshot) Hotkeys() []KeyID {
	keys := make([]KeyID, len(s.byHotkey))
	for hk, info := range s.byHotkey {
		if info.UID < len(keys) {
			keys[info.UID] = hk
		}
	}
	return keys
}

// Count returns the number of registered hotkeys.
func (s *Snapshot) Count() int {
	return len(s.byHotkey)
}

// SyncedAt returns the time the snapshot was fetched.
func (s *Snapshot) SyncedAt() time.Time {
	return s.syncedAt
}

// Age returns how stale the snapshot is.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.syncedAt)
}
