package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"noirdesk/internal/domain/save"
	apperrors "noirdesk/pkg/errors"
)

func TestService_InitWithLocalStore(t *testing.T) {
	store := newLocalStore(t)
	svc := NewService(20, zap.NewNop(), nil, nil, store)

	require.NoError(t, svc.Init(context.Background()))

	assert.True(t, svc.Ready())
	assert.Equal(t, "SaveService", svc.Name())
	assert.Equal(t, 20, svc.Priority())
	assert.Same(t, store, svc.Store().(*LocalStore))
}

func TestService_InitWithoutStoreFailsValidation(t *testing.T) {
	svc := NewService(20, zap.NewNop(), nil, nil, nil)

	err := svc.Init(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.False(t, svc.Ready())
}

func TestService_InitRunsCloudSync(t *testing.T) {
	backend := newFakeDynamo()
	backend.seed(t, cloudRecord{
		Key:     SlotKey(4),
		Payload: `{"save_id":"remote","slot_index":4,"player_stats":{"level":1}}`,
	})
	cloud, local := newCloudStore(t, backend, nil)
	svc := NewService(20, zap.NewNop(), nil, nil, cloud)

	require.NoError(t, svc.Init(context.Background()))

	var pulled save.GameSave
	found, err := local.Load(context.Background(), SlotKey(4), &pulled)
	require.NoError(t, err)
	assert.True(t, found, "initial sync pulls the remote slot down")
}

func TestService_InitToleratesFailedCloudSync(t *testing.T) {
	backend := newFakeDynamo()
	cloud, _ := newCloudStore(t, backend, nil)
	backend.fail = true
	svc := NewService(20, zap.NewNop(), nil, nil, cloud)

	require.NoError(t, svc.Init(context.Background()),
		"a failed initial sync degrades to local saves, not a failed service")
	assert.True(t, svc.Ready())
}
