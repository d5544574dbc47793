package persistence

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"noirdesk/internal/domain/save"
	"noirdesk/internal/events"
	apperrors "noirdesk/pkg/errors"
)

// DynamoAPI is the subset of the DynamoDB client the cloud store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// cloudRecord is the DynamoDB item layout: one item per save key.
type cloudRecord struct {
	Key       string    `dynamodbav:"save_key"`
	Payload   string    `dynamodbav:"payload"`
	SavedAt   time.Time `dynamodbav:"saved_at"`
	SizeBytes int64     `dynamodbav:"size_bytes"`
}

// CloudSaveStore persists through a remote DynamoDB table and an embedded
// local store. Writes go local-first so the atomic-replace guarantee holds
// regardless of cloud health; the remote copy is pushed best-effort behind
// a circuit breaker. Reads fall back from local to cloud, and every cloud
// failure downgrades the store to the local path with a surfaced warning
// rather than silently.
type CloudSaveStore struct {
	api     DynamoAPI
	table   string
	local   *LocalStore
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	bus     Publisher
	enabled bool
}

// CloudConfig configures the cloud store.
type CloudConfig struct {
	TableName string
	// Enabled is the user/account-level switch. When false the store
	// behaves exactly like its embedded local store.
	Enabled bool
	// BreakerTimeout is how long the circuit stays open after tripping
	// before a trial request is allowed through.
	BreakerTimeout time.Duration
}

// NewCloudSaveStore wraps local with a DynamoDB-backed remote copy.
func NewCloudSaveStore(api DynamoAPI, cfg CloudConfig, local *LocalStore, logger *zap.Logger, bus Publisher) *CloudSaveStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 60 * time.Second
	}
	s := &CloudSaveStore{
		api:     api,
		table:   cfg.TableName,
		local:   local,
		logger:  logger,
		bus:     bus,
		enabled: cfg.Enabled && api != nil && cfg.TableName != "",
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloud-save",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cloud save circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// IsCloudEnabled reports whether cloud writes are currently attempted.
// It is false when the backend is disabled by configuration or the
// circuit breaker is open because the backend has been failing.
func (s *CloudSaveStore) IsCloudEnabled() bool {
	return s.enabled && s.breaker.State() != gobreaker.StateOpen
}

func (s *CloudSaveStore) publish(event any) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

// execute runs one cloud call through the circuit breaker.
func (s *CloudSaveStore) execute(op func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, op()
	})
	return err
}

// Save writes locally first, then pushes the record to the cloud
// best-effort. A cloud failure never fails the save.
func (s *CloudSaveStore) Save(ctx context.Context, key string, payload any) error {
	if err := s.local.Save(ctx, key, payload); err != nil {
		return err
	}
	if !s.IsCloudEnabled() {
		return nil
	}
	if err := s.Upload(ctx, key); err != nil {
		s.logger.Warn("cloud save unavailable, record kept local only",
			zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Load reads locally (cache, then file); when the key is absent locally
// and the cloud is reachable, the cloud copy is pulled down first.
func (s *CloudSaveStore) Load(ctx context.Context, key string, out any) (bool, error) {
	found, err := s.local.Load(ctx, key, out)
	if err != nil || found {
		return found, err
	}
	if !s.IsCloudEnabled() {
		return false, nil
	}
	if err := s.Download(ctx, key); err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		s.logger.Warn("cloud load unavailable, falling back to local absence",
			zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return s.local.Load(ctx, key, out)
}

// Delete removes the record locally and best-effort from the cloud.
func (s *CloudSaveStore) Delete(ctx context.Context, key string) error {
	if err := s.local.Delete(ctx, key); err != nil {
		return err
	}
	if !s.IsCloudEnabled() {
		return nil
	}
	err := s.execute(func() error {
		_, delErr := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"save_key": &types.AttributeValueMemberS{Value: key},
			},
		})
		return delErr
	})
	if err != nil {
		s.logger.Warn("cloud delete unavailable, remote copy may linger",
			zap.String("key", key), zap.Error(err))
	}
	return nil
}

// DeleteAll removes every record locally and best-effort from the cloud.
// The cloud listing must happen before the local wipe, but only when the
// backend is actually in play; a disabled store never touches it.
func (s *CloudSaveStore) DeleteAll(ctx context.Context) error {
	if !s.IsCloudEnabled() {
		return s.local.DeleteAll(ctx)
	}
	keys, keysErr := s.cloudKeys(ctx)
	if err := s.local.DeleteAll(ctx); err != nil {
		return err
	}
	if keysErr != nil {
		s.logger.Warn("cloud listing unavailable during delete all", zap.Error(keysErr))
		return nil
	}
	for _, key := range keys {
		key := key
		err := s.execute(func() error {
			_, delErr := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.table),
				Key: map[string]types.AttributeValue{
					"save_key": &types.AttributeValueMemberS{Value: key},
				},
			})
			return delErr
		})
		if err != nil {
			s.logger.Warn("cloud delete unavailable, remote copy may linger",
				zap.String("key", key), zap.Error(err))
			return nil
		}
	}
	return nil
}

// SaveToSlot validates the aggregate and writes it under the slot key.
func (s *CloudSaveStore) SaveToSlot(ctx context.Context, slotIndex int, game *save.GameSave) error {
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

// LoadFromSlot reads the aggregate stored under the slot key, pulling the
// cloud copy when it is absent locally.
func (s *CloudSaveStore) LoadFromSlot(ctx context.Context, slotIndex int) (*save.GameSave, bool, error) {
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
func (s *CloudSaveStore) DeleteSlot(ctx context.Context, slotIndex int) error {
	if slotIndex < 0 {
		return apperrors.NewValidation("slot index must be non-negative")
	}
	return s.Delete(ctx, SlotKey(slotIndex))
}

// ListSlots merges local slot metadata with cloud-only slots.
func (s *CloudSaveStore) ListSlots(ctx context.Context) ([]SlotInfo, error) {
	infos, err := s.local.ListSlots(ctx)
	if err != nil {
		return nil, err
	}
	if !s.IsCloudEnabled() {
		return infos, nil
	}

	records, scanErr := s.scanCloud(ctx)
	if scanErr != nil {
		s.logger.Warn("cloud listing unavailable, showing local slots only",
			zap.Error(scanErr))
		return infos, nil
	}

	known := make(map[int]bool, len(infos))
	for _, info := range infos {
		known[info.SlotIndex] = true
	}
	for _, rec := range records {
		index, ok := ParseSlotKey(rec.Key)
		if !ok || known[index] {
			continue
		}
		infos = append(infos, SlotInfo{
			SlotIndex:    index,
			Key:          rec.Key,
			LastSaveTime: rec.SavedAt,
			SizeBytes:    rec.SizeBytes,
			Origin:       OriginCloud,
		})
	}
	return infos, nil
}

// Upload pushes the local record at key to the cloud backend.
func (s *CloudSaveStore) Upload(ctx context.Context, key string) error {
	if !validKey(key) {
		return apperrors.NewValidation(fmt.Sprintf("invalid save key %q", key))
	}
	data, err := os.ReadFile(s.local.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NewNotFound(fmt.Sprintf("no local record for key %q", key))
		}
		return apperrors.NewIO(fmt.Sprintf("failed to read local record %q", key), err)
	}

	item, err := attributevalue.MarshalMap(cloudRecord{
		Key:       key,
		Payload:   string(data),
		SavedAt:   time.Now().UTC(),
		SizeBytes: int64(len(data)),
	})
	if err != nil {
		return apperrors.NewIO(fmt.Sprintf("failed to marshal cloud record %q", key), err)
	}

	err = s.execute(func() error {
		_, putErr := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		return putErr
	})
	if err != nil {
		return apperrors.NewIO(fmt.Sprintf("failed to upload record %q", key), err)
	}
	s.logger.Debug("record uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Download pulls the cloud record at key and writes it through the local
// store's atomic path, populating the cache.
func (s *CloudSaveStore) Download(ctx context.Context, key string) error {
	if !validKey(key) {
		return apperrors.NewValidation(fmt.Sprintf("invalid save key %q", key))
	}

	var out *dynamodb.GetItemOutput
	err := s.execute(func() error {
		var getErr error
		out, getErr = s.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"save_key": &types.AttributeValueMemberS{Value: key},
			},
		})
		return getErr
	})
	if err != nil {
		return apperrors.NewIO(fmt.Sprintf("failed to download record %q", key), err)
	}
	if out.Item == nil {
		return apperrors.NewNotFound(fmt.Sprintf("no cloud record for key %q", key))
	}

	var rec cloudRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return apperrors.NewIO(fmt.Sprintf("failed to unmarshal cloud record %q", key), err)
	}
	// A replication pull is not a player save, so it bypasses the save
	// lifecycle events Save would publish.
	return s.local.importRecord(ctx, key, []byte(rec.Payload))
}

// Sync pushes every local record up and pulls cloud records missing
// locally. It publishes cloud-sync lifecycle events either way.
func (s *CloudSaveStore) Sync(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "persistence.cloud_sync")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	s.publish(events.CloudSyncStarted{})
	defer func() {
		s.publish(events.CloudSyncCompleted{Success: err == nil})
	}()

	if !s.IsCloudEnabled() {
		err = apperrors.NewIO("cloud backend is unavailable", nil)
		s.logger.Warn("cloud sync skipped", zap.Error(err))
		return err
	}

	localKeys, keysErr := s.local.Keys(ctx)
	if keysErr != nil {
		err = keysErr
		return err
	}
	for _, key := range localKeys {
		if upErr := s.Upload(ctx, key); upErr != nil {
			err = apperrors.Wrap(upErr, "cloud sync upload failed")
			return err
		}
	}

	records, scanErr := s.scanCloud(ctx)
	if scanErr != nil {
		err = scanErr
		return err
	}
	localSet := make(map[string]bool, len(localKeys))
	for _, key := range localKeys {
		localSet[key] = true
	}
	for _, rec := range records {
		if localSet[rec.Key] {
			continue
		}
		if downErr := s.Download(ctx, rec.Key); downErr != nil {
			err = apperrors.Wrap(downErr, "cloud sync download failed")
			return err
		}
	}

	s.logger.Info("cloud sync completed",
		zap.Int("uploaded", len(localKeys)),
		zap.Int("remote", len(records)))
	return nil
}

// scanCloud lists every cloud record's metadata.
func (s *CloudSaveStore) scanCloud(ctx context.Context) ([]cloudRecord, error) {
	var records []cloudRecord
	var startKey map[string]types.AttributeValue
	for {
		var out *dynamodb.ScanOutput
		err := s.execute(func() error {
			var scanErr error
			out, scanErr = s.api.Scan(ctx, &dynamodb.ScanInput{
				TableName:         aws.String(s.table),
				ExclusiveStartKey: startKey,
			})
			return scanErr
		})
		if err != nil {
			return nil, apperrors.NewIO("failed to scan cloud records", err)
		}
		var page []cloudRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, apperrors.NewIO("failed to unmarshal cloud records", err)
		}
		records = append(records, page...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}

func (s *CloudSaveStore) cloudKeys(ctx context.Context) ([]string, error) {
	records, err := s.scanCloud(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}
	return keys, nil
}

var _ CloudStore = (*CloudSaveStore)(nil)
