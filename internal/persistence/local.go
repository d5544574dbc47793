package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"noirdesk/internal/domain/save"
	"noirdesk/internal/events"
	apperrors "noirdesk/pkg/errors"
)

var tracer = otel.Tracer("noirdesk/persistence")

const (
	saveFileExt = ".json"
	tmpFileExt  = ".json.tmp"
	saveFileMod = 0o644
	saveDirMod  = 0o755
)

// LocalStore persists records as one JSON file per key under a base
// directory. Writes go through an atomic replace: the payload is written
// to a sibling temp file, fsynced, then renamed over the canonical path,
// so a crash mid-write never leaves a torn file where a save should be.
type LocalStore struct {
	dir     string
	logger  *zap.Logger
	bus     Publisher
	cache   *readCache
	locks   *keyLocks
	metrics *StoreMetrics
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithLocalMetrics attaches prometheus instrumentation.
func WithLocalMetrics(m *StoreMetrics) LocalOption {
	return func(s *LocalStore) { s.metrics = m }
}

// NewLocalStore creates a store rooted at dir, creating it when missing.
func NewLocalStore(dir string, logger *zap.Logger, bus Publisher, opts ...LocalOption) (*LocalStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, apperrors.NewValidation("save directory must not be empty")
	}
	if err := os.MkdirAll(dir, saveDirMod); err != nil {
		return nil, apperrors.NewIO("failed to create save directory", err)
	}
	s := &LocalStore{
		dir:    dir,
		logger: logger,
		bus:    bus,
		cache:  newReadCache(),
		locks:  newKeyLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the store's base directory.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, key+saveFileExt)
}

func (s *LocalStore) publish(event any) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func slotOf(key string) int {
	if index, ok := ParseSlotKey(key); ok {
		return index
	}
	return -1
}

// Save atomically replaces the record at key with the serialized payload
// and updates the read cache.
func (s *LocalStore) Save(ctx context.Context, key string, payload any) (err error) {
	ctx, span := tracer.Start(ctx, "persistence.save",
		trace.WithAttributes(attribute.String("save.key", key)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	start := time.Now()
	defer func() { s.metrics.observe("save", start, err) }()

	s.publish(events.SaveStarted{Key: key})
	defer func() {
		s.publish(events.GameSaved{Slot: slotOf(key), Key: key, Success: err == nil})
	}()

	if !validKey(key) {
		err = apperrors.NewValidation(fmt.Sprintf("invalid save key %q", key))
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		err = apperrors.NewIO(fmt.Sprintf("failed to serialize payload for key %q", key), marshalErr)
		s.logger.Error("save failed", zap.String("key", key), zap.Error(err))
		return err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	if err = s.writeAtomic(key, data); err != nil {
		s.logger.Error("save failed", zap.String("key", key), zap.Error(err))
		return err
	}

	s.cache.put(key, data)
	s.logger.Debug("record saved",
		zap.String("key", key),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// writeAtomic writes data to a sibling temp file and renames it over the
// canonical path. The canonical file is either fully the old content or
// fully the new content at all times.
func (s *LocalStore) writeAtomic(key string, data []byte) error {
	canonical := s.path(key)
	tmp := filepath.Join(s.dir, key+tmpFileExt)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, saveFileMod)
	if err != nil {
		return apperrors.NewIO(fmt.Sprintf("failed to create temp file for key %q", key), err)
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.NewIO(fmt.Sprintf("failed to write temp file for key %q", key), err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperrors.NewIO(fmt.Sprintf("failed to sync temp file for key %q", key), err)
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return apperrors.NewIO(fmt.Sprintf("failed to close temp file for key %q", key), err)
	}
	if err = os.Rename(tmp, canonical); err != nil {
		os.Remove(tmp)
		return apperrors.NewIO(fmt.Sprintf("failed to replace save file for key %q", key), err)
	}
	return nil
}

// importRecord atomically writes already-serialized data under key and
// updates the cache, without the save lifecycle events. It exists for
// replication paths (a cloud download is not a player save).
func (s *LocalStore) importRecord(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return apperrors.NewValidation(fmt.Sprintf("invalid save key %q", key))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	if err := s.writeAtomic(key, data); err != nil {
		s.logger.Error("record import failed", zap.String("key", key), zap.Error(err))
		return err
	}
	s.cache.put(key, data)
	s.logger.Debug("record imported",
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return nil
}

// Load reads the record at key into out, serving from the read cache when
// possible. Absence is (false, nil), not an error.
func (s *LocalStore) Load(ctx context.Context, key string, out any) (found bool, err error) {
	ctx, span := tracer.Start(ctx, "persistence.load",
		trace.WithAttributes(attribute.String("save.key", key)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	start := time.Now()
	defer func() { s.metrics.observe("load", start, err) }()

	s.publish(events.LoadStarted{Key: key})
	defer func() {
		s.publish(events.GameLoaded{Slot: slotOf(key), Key: key, Success: err == nil})
	}()

	if !validKey(key) {
		err = apperrors.NewValidation(fmt.Sprintf("invalid save key %q", key))
		return false, err
	}
	if err = ctx.Err(); err != nil {
		return false, err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	if data, ok := s.cache.get(key); ok {
		s.metrics.cacheHit()
		if err = json.Unmarshal(data, out); err != nil {
			err = apperrors.NewIO(fmt.Sprintf("failed to decode cached record %q", key), err)
			return false, err
		}
		return true, nil
	}
	s.metrics.cacheMissed()

	data, readErr := os.ReadFile(s.path(key))
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return false, nil
		}
		err = apperrors.NewIO(fmt.Sprintf("failed to read save file for key %q", key), readErr)
		s.logger.Error("load failed", zap.String("key", key), zap.Error(err))
		return false, err
	}

	if err = json.Unmarshal(data, out); err != nil {
		err = apperrors.NewIO(fmt.Sprintf("failed to decode save file for key %q", key), err)
		s.logger.Error("load failed", zap.String("key", key), zap.Error(err))
		return false, err
	}

	s.cache.put(key, data)
	return true, nil
}

// Delete removes the record at key and invalidates its cache entry.
func (s *LocalStore) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("delete", start, err) }()

	if !validKey(key) {
		return apperrors.NewValidation(fmt.Sprintf("invalid save key %q", key))
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	s.cache.invalidate(key)
	if removeErr := os.Remove(s.path(key)); removeErr != nil && !os.IsNotExist(removeErr) {
		err = apperrors.NewIO(fmt.Sprintf("failed to delete save file for key %q", key), removeErr)
		s.logger.Error("delete failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// DeleteAll removes every record in the store and clears the cache.
func (s *LocalStore) DeleteAll(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("delete_all", start, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	dirEntries, readErr := os.ReadDir(s.dir)
	if readErr != nil {
		err = apperrors.NewIO("failed to list save directory", readErr)
		return err
	}

	s.cache.clear()
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, saveFileExt) {
			continue
		}
		if removeErr := os.Remove(filepath.Join(s.dir, name)); removeErr != nil {
			err = apperrors.NewIO(fmt.Sprintf("failed to delete %q", name), removeErr)
			s.logger.Error("delete all failed", zap.String("file", name), zap.Error(err))
			return err
		}
	}
	return nil
}

// SaveToSlot validates the aggregate and writes it under the slot key.
func (s *LocalStore) SaveToSlot(ctx context.Context, slotIndex int, game *save.GameSave) error {
	if slotIndex < 0 {
		return apperrors.NewValidation("slot index must be non-negative")
	}
	if game == nil {
		return apperrors.NewValidation("game save must not be nil")
	}
	game.SlotIndex = slotIndex
	game.Touch()
	if err := game.Validate(); err != nil {
		return err
	}
	return s.Save(ctx, SlotKey(slotIndex), game)
}

// LoadFromSlot reads the aggregate stored under the slot key.
func (s *LocalStore) LoadFromSlot(ctx context.Context, slotIndex int) (*save.GameSave, bool, error) {
	if slotIndex < 0 {
		return nil, false, apperrors.NewValidation("slot index must be non-negative")
	}
	var game save.GameSave
	found, err := s.Load(ctx, SlotKey(slotIndex), &game)
	if err != nil || !found {
		return nil, found, err
	}
	return &game, true, nil
}

// DeleteSlot removes the record under the slot key.
func (s *LocalStore) DeleteSlot(ctx context.Context, slotIndex int) error {
	if slotIndex < 0 {
		return apperrors.NewValidation("slot index must be non-negative")
	}
	return s.Delete(ctx, SlotKey(slotIndex))
}

// ListSlots stats slot files without loading payloads, sorted by index.
func (s *LocalStore) ListSlots(ctx context.Context) (infos []SlotInfo, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("list_slots", start, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, readErr := os.ReadDir(s.dir)
	if readErr != nil {
		err = apperrors.NewIO("failed to list save directory", readErr)
		return nil, err
	}

	infos = make([]SlotInfo, 0)
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, saveFileExt) {
			continue
		}
		key := strings.TrimSuffix(name, saveFileExt)
		index, ok := ParseSlotKey(key)
		if !ok {
			continue
		}
		info, statErr := entry.Info()
		if statErr != nil {
			s.logger.Warn("failed to stat save file",
				zap.String("file", name), zap.Error(statErr))
			continue
		}
		infos = append(infos, SlotInfo{
			SlotIndex:    index,
			Key:          key,
			LastSaveTime: info.ModTime(),
			SizeBytes:    info.Size(),
			Origin:       OriginLocal,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SlotIndex < infos[j].SlotIndex })
	return infos, nil
}

// Keys returns every persisted key, used by cloud synchronization.
func (s *LocalStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.NewIO("failed to list save directory", err)
	}
	keys := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, saveFileExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, saveFileExt))
	}
	sort.Strings(keys)
	return keys, nil
}

var _ SaveStore = (*LocalStore)(nil)
