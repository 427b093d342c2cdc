package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/careportal/model"
)

// IdempotencyStore remembers accepted submissions so a retried submit of
// the same instance returns the original result instead of creating a
// second record downstream.
type IdempotencyStore interface {
	// Lookup returns the stored result for key. A stored entry whose draft
	// hash differs from draftHash yields a CONFLICT error.
	Lookup(ctx context.Context, key, draftHash string) (*model.SubmissionResult, bool, error)

	// Remember stores result under key for ttl.
	Remember(ctx context.Context, key, draftHash string, result model.SubmissionResult, ttl time.Duration) error
}

type idempotencyRecord struct {
	DraftHash string                 `json:"draft_hash"`
	Result    model.SubmissionResult `json:"result"`
}

// FormatIdempotencyKey builds the key for one workflow instance.
func FormatIdempotencyKey(workflowID, instanceID string) string {
	return fmt.Sprintf("idem:%s:%s", workflowID, instanceID)
}

// HashDraft returns a stable digest of a draft. encoding/json sorts map
// keys, so equal drafts hash equally.
func HashDraft(draft map[string]any) (string, error) {
	data, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("hash draft: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func conflictFor(key string) error {
	return model.NewConflictError(fmt.Sprintf("instance %q was already submitted with a different draft", key))
}

// MemoryIdempotencyStore keeps records in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]memoryRecord
}

type memoryRecord struct {
	record    idempotencyRecord
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		now:     time.Now,
		records: make(map[string]memoryRecord),
	}
}

// Lookup implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key, draftHash string) (*model.SubmissionResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(rec.expiresAt) {
		delete(s.records, key)
		return nil, false, nil
	}
	if rec.record.DraftHash != draftHash {
		return nil, true, conflictFor(key)
	}
	result := rec.record.Result
	return &result, true, nil
}

// Remember implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Remember(_ context.Context, key, draftHash string, result model.SubmissionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{
		record:    idempotencyRecord{DraftHash: draftHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of records, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// RedisIdempotencyStore keeps records in Redis with native expiry.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
}

// NewRedisIdempotencyStore wraps a Redis client.
func NewRedisIdempotencyStore(client redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Lookup implements IdempotencyStore.
func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key, draftHash string) (*model.SubmissionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec idempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record %q: %w", key, err)
	}
	if rec.DraftHash != draftHash {
		return nil, true, conflictFor(key)
	}
	return &rec.Result, true, nil
}

// Remember implements IdempotencyStore.
func (s *RedisIdempotencyStore) Remember(ctx context.Context, key, draftHash string, result model.SubmissionResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyRecord{DraftHash: draftHash, Result: result})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// IdempotentSubmitter wraps a submitter so each idempotency key reaches the
// downstream system at most once per successful submission. Failures are
// not remembered and may be retried.
type IdempotentSubmitter struct {
	next   model.Submitter
	store  IdempotencyStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotentSubmitter wraps next. A zero ttl defaults to 24h.
func NewIdempotentSubmitter(next model.Submitter, store IdempotencyStore, ttl time.Duration, logger *zap.Logger) *IdempotentSubmitter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotentSubmitter{next: next, store: store, ttl: ttl, logger: logger}
}

// Supports implements model.Submitter.
func (s *IdempotentSubmitter) Supports(binding model.OperationBinding) bool {
	return s.next.Supports(binding)
}

// Submit implements model.Submitter.
func (s *IdempotentSubmitter) Submit(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, req model.SubmissionRequest) (model.SubmissionResult, error) {
	if req.IdempotencyKey == "" {
		return s.next.Submit(ctx, rctx, binding, req)
	}

	hash, err := HashDraft(req.Draft)
	if err != nil {
		return model.SubmissionResult{}, err
	}

	cached, found, err := s.store.Lookup(ctx, req.IdempotencyKey, hash)
	if err != nil {
		return model.SubmissionResult{}, err
	}
	if found {
		s.logger.Info("submission replayed from idempotency store",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("reference", cached.Reference),
		)
		return *cached, nil
	}

	result, err := s.next.Submit(ctx, rctx, binding, req)
	if err != nil {
		return model.SubmissionResult{}, err
	}

	if err := s.store.Remember(ctx, req.IdempotencyKey, hash, result, s.ttl); err != nil {
		s.logger.Warn("failed to remember submission",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err),
		)
	}
	return result, nil
}
