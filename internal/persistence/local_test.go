package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"noirdesk/internal/domain/save"
	"noirdesk/internal/events"
	apperrors "noirdesk/pkg/errors"
)

type playerProfile struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), zap.NewNop(), nil)
	require.NoError(t, err)
	return s
}

func TestLocalStore_SaveLoadRoundTrip(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	in := playerProfile{Name: "Alice", Level: 5}
	require.NoError(t, s.Save(ctx, "player", in))

	var out playerProfile
	found, err := s.Load(ctx, "player", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestLocalStore_LoadAbsentKey(t *testing.T) {
	s := newLocalStore(t)

	var out playerProfile
	found, err := s.Load(context.Background(), "never_saved", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLocalStore_DeleteThenLoadAbsent(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "player", playerProfile{Name: "Alice"}))
	require.NoError(t, s.Delete(ctx, "player"))

	var out playerProfile
	found, err := s.Load(ctx, "player", &out)
	require.NoError(t, err)
	assert.False(t, found, "cache entry must be invalidated by delete")

	// deleting an absent key succeeds
	require.NoError(t, s.Delete(ctx, "player"))
}

func TestLocalStore_SaveOverwritesFully(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "player", playerProfile{Name: "Alice", Level: 5}))
	require.NoError(t, s.Save(ctx, "player", playerProfile{Name: "Bob"}))

	var out playerProfile
	found, err := s.Load(ctx, "player", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, playerProfile{Name: "Bob", Level: 0}, out, "no partial merge")
}

func TestLocalStore_CrashBetweenTempWriteAndRename(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "player", playerProfile{Name: "Alice", Level: 5}))

	// simulate a crash mid-write: a temp file exists with garbage while
	// the canonical file still holds the previous payload
	tmp := filepath.Join(s.Dir(), "player"+tmpFileExt)
	require.NoError(t, os.WriteFile(tmp, []byte(`{"name":"Mal`), 0o644))

	// a fresh store (new process) must still read the intact canonical file
	fresh, err := NewLocalStore(s.Dir(), zap.NewNop(), nil)
	require.NoError(t, err)

	var out playerProfile
	found, err := fresh.Load(ctx, "player", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, playerProfile{Name: "Alice", Level: 5}, out)
}

func TestLocalStore_InvalidKeys(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/b", ".hidden", "white space"} {
		t.Run(key, func(t *testing.T) {
			err := s.Save(ctx, key, playerProfile{})
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))

			var out playerProfile
			_, err = s.Load(ctx, key, &out)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestLocalStore_SlotRoundTrip(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	game := save.New(0)
	game.StartCase("case-1")
	game.DiscoverEvidence("ev-1")

	require.NoError(t, s.SaveToSlot(ctx, 3, game))
	assert.Equal(t, 3, game.SlotIndex, "slot save stamps the slot index")

	loaded, found, err := s.LoadFromSlot(ctx, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, game.SaveID, loaded.SaveID)
	assert.Equal(t, []string{"ev-1"}, loaded.DiscoveredEvidence)
}

func TestLocalStore_SlotValidation(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	require.Error(t, s.SaveToSlot(ctx, -1, save.New(0)))
	require.Error(t, s.SaveToSlot(ctx, 0, nil))

	invalid := save.New(0)
	invalid.SaveID = ""
	err := s.SaveToSlot(ctx, 0, invalid)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, _, err = s.LoadFromSlot(ctx, -2)
	require.Error(t, err)
	require.Error(t, s.DeleteSlot(ctx, -1))
}

func TestLocalStore_ListSlots(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.SaveToSlot(ctx, 3, save.New(0)))
	require.NoError(t, s.SaveToSlot(ctx, 1, save.New(0)))
	// a non-slot key must not appear in the listing
	require.NoError(t, s.Save(ctx, "player", playerProfile{Name: "Alice"}))

	infos, err := s.ListSlots(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, 1, infos[0].SlotIndex)
	assert.Equal(t, 3, infos[1].SlotIndex)
	assert.Equal(t, OriginLocal, infos[1].Origin)
	assert.Equal(t, "save_slot_3", infos[1].Key)
	assert.Positive(t, infos[1].SizeBytes)
	assert.False(t, infos[1].LastSaveTime.Before(before),
		"LastSaveTime must not be older than the save call")
}

func TestLocalStore_DeleteAll(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveToSlot(ctx, 0, save.New(0)))
	require.NoError(t, s.Save(ctx, "player", playerProfile{Name: "Alice"}))

	require.NoError(t, s.DeleteAll(ctx))

	infos, err := s.ListSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	var out playerProfile
	found, err := s.Load(ctx, "player", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLocalStore_LifecycleEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	require.NoError(t, bus.Init(context.Background()))

	var saved []events.GameSaved
	var loaded []events.GameLoaded
	_, err := events.Subscribe(bus, func(e events.GameSaved) { saved = append(saved, e) })
	require.NoError(t, err)
	_, err = events.Subscribe(bus, func(e events.GameLoaded) { loaded = append(loaded, e) })
	require.NoError(t, err)

	s, err := NewLocalStore(t.TempDir(), zap.NewNop(), bus)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveToSlot(ctx, 2, save.New(0)))
	_, _, err = s.LoadFromSlot(ctx, 2)
	require.NoError(t, err)

	require.Len(t, saved, 1)
	assert.Equal(t, 2, saved[0].Slot)
	assert.True(t, saved[0].Success)

	require.Len(t, loaded, 1)
	assert.Equal(t, 2, loaded[0].Slot)
	assert.True(t, loaded[0].Success)

	// a failed save carries success=false
	require.Error(t, s.Save(ctx, "bad/key", playerProfile{}))
	require.Len(t, saved, 2)
	assert.False(t, saved[1].Success)
	assert.Equal(t, -1, saved[1].Slot)
}

func TestLocalStore_CachePopulatedOnLoad(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "player", playerProfile{Name: "Alice"}))

	// remove the backing file; the cache must still serve the read
	var out playerProfile
	found, err := s.Load(ctx, "player", &out)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, os.Remove(filepath.Join(s.Dir(), "player"+saveFileExt)))

	found, err = s.Load(ctx, "player", &out)
	require.NoError(t, err)
	assert.True(t, found, "read served from cache after file removal")
	assert.Equal(t, "Alice", out.Name)
}

func TestLocalStore_ConcurrentDifferentKeys(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		i := i
		go func() {
			key := SlotKey(i)
			if err := s.Save(ctx, key, playerProfile{Name: "p", Level: i}); err != nil {
				done <- err
				return
			}
			var out playerProfile
			_, err := s.Load(ctx, key, &out)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	infos, err := s.ListSlots(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 8)
}
