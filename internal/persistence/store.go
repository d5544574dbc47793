// Package persistence implements the save subsystem: a key-value
// persistence contract with a local atomic-write filesystem store and a
// cloud-backed store that transparently falls back to the local path.
package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"noirdesk/internal/domain/save"
)

// SlotKeyPrefix is the reserved key prefix for user-facing save slots.
const SlotKeyPrefix = "save_slot_"

// Origin records which backing store a record came from.
type Origin string

const (
	OriginLocal Origin = "local"
	OriginCloud Origin = "cloud"
)

// SlotInfo describes one save slot without loading its payload.
type SlotInfo struct {
	SlotIndex    int
	Key          string
	LastSaveTime time.Time
	SizeBytes    int64
	Origin       Origin
}

// SaveStore is the persistence capability. All operations catch their own
// I/O failures: errors are returned, logged and reported via lifecycle
// events, never panicked out of the contract. A missing key is absence,
// not an error.
type SaveStore interface {
	// Save serializes payload and atomically replaces the record at key.
	Save(ctx context.Context, key string, payload any) error

	// Load reads the record at key into out. It returns false with a nil
	// error when the key has never been saved.
	Load(ctx context.Context, key string, out any) (bool, error)

	// Delete removes the record at key and invalidates its cache entry.
	// Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every record and clears the cache.
	DeleteAll(ctx context.Context) error

	// Slot conveniences over the keyed operations.
	SaveToSlot(ctx context.Context, slotIndex int, game *save.GameSave) error
	LoadFromSlot(ctx context.Context, slotIndex int) (*save.GameSave, bool, error)
	DeleteSlot(ctx context.Context, slotIndex int) error

	// ListSlots surfaces slot metadata (index, last write time, size)
	// without loading payloads.
	ListSlots(ctx context.Context) ([]SlotInfo, error)
}

// CloudStore extends the persistence capability with explicit
// synchronization against a remote backend.
type CloudStore interface {
	SaveStore

	// IsCloudEnabled reports whether the remote backend is currently
	// usable. It turns false while the backend is unreachable.
	IsCloudEnabled() bool

	// Upload pushes the local record at key to the cloud backend.
	Upload(ctx context.Context, key string) error

	// Download pulls the cloud record at key into the local store.
	Download(ctx context.Context, key string) error

	// Sync reconciles local and cloud: local records are pushed up and
	// cloud records missing locally are pulled down.
	Sync(ctx context.Context) error
}

// Publisher is the event-publishing capability the stores use for
// lifecycle notifications. A nil Publisher is tolerated everywhere.
type Publisher interface {
	Publish(event any)
}

// SlotKey returns the reserved key for a slot index.
func SlotKey(slotIndex int) string {
	return fmt.Sprintf("%s%d", SlotKeyPrefix, slotIndex)
}

// ParseSlotKey extracts the slot index from a reserved slot key. It
// returns -1 and false for keys outside the slot naming scheme.
func ParseSlotKey(key string) (int, bool) {
	if !strings.HasPrefix(key, SlotKeyPrefix) {
		return -1, false
	}
	index, err := strconv.Atoi(strings.TrimPrefix(key, SlotKeyPrefix))
	if err != nil || index < 0 {
		return -1, false
	}
	return index, true
}

// validKey rejects keys that would escape the store's namespace.
func validKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return !strings.HasPrefix(key, ".")
}
