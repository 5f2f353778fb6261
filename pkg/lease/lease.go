package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/cuemby/heron/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a status record does not exist
var ErrNotFound = errors.New("lease: status record not found")

// scanChunk bounds how many index members are read per round trip
const scanChunk = 500

// Options tunes record lifetimes
type Options struct {
	// TTL is the lifetime of an entity's liveness key between refreshes
	TTL time.Duration
	// ActiveStatusTTL applies to RUNNING and WAITING status records
	ActiveStatusTTL time.Duration
	// TerminalStatusTTL applies to every other status record
	TerminalStatusTTL time.Duration
	// ClaimTTL is how long a task's re-arm claim is remembered. It must
	// outlast any redelivery of that task.
	ClaimTTL time.Duration
}

// DefaultOptions returns the standard lifetimes
func DefaultOptions() Options {
	return Options{
		TTL:               5 * time.Minute,
		ActiveStatusTTL:   30 * time.Minute,
		TerminalStatusTTL: 5 * time.Minute,
		ClaimTTL:          6 * time.Hour,
	}
}

// Store keeps entity liveness keys and task status records
type Store struct {
	client redis.UniversalClient
	opts   Options
	logger zerolog.Logger
}

// NewStore creates a lease store
func NewStore(client redis.UniversalClient, opts Options) *Store {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.ActiveStatusTTL <= 0 {
		opts.ActiveStatusTTL = def.ActiveStatusTTL
	}
	if opts.TerminalStatusTTL <= 0 {
		opts.TerminalStatusTTL = def.TerminalStatusTTL
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = def.ClaimTTL
	}
	return &Store{
		client: client,
		opts:   opts,
		logger: log.WithComponent("lease"),
	}
}

// TTL returns the liveness lifetime
func (s *Store) TTL() time.Duration { return s.opts.TTL }

// Refresh marks the entity's loop alive for one more TTL, owned by trace
func (s *Store) Refresh(ctx context.Context, entity, trace string) error {
	if err := s.client.Set(ctx, redisstore.LeaseKey(entity), trace, s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh lease %s: %w", entity, err)
	}
	return nil
}

// ClaimRearm records that taskID is continuing its loop. Only the first
// claim for a task id succeeds, so a redelivered task cannot fork the loop.
func (s *Store) ClaimRearm(ctx context.Context, taskID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, redisstore.RearmKey(taskID), "1", s.opts.ClaimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim re-arm of %s: %w", taskID, err)
	}
	return ok, nil
}

// ReleaseRearm drops a claim whose next iteration was never published
func (s *Store) ReleaseRearm(ctx context.Context, taskID string) {
	if err := s.client.Del(ctx, redisstore.RearmKey(taskID)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to release re-arm claim")
	}
}

// Current returns the trace owning the entity's loop
func (s *Store) Current(ctx context.Context, entity string) (string, bool, error) {
	trace, err := s.client.Get(ctx, redisstore.LeaseKey(entity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read lease %s: %w", entity, err)
	}
	return trace, true, nil
}

// CheckActive reports liveness for each entity, in order, with one batched read
func (s *Store) CheckActive(ctx context.Context, entities []string) ([]bool, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = redisstore.LeaseKey(e)
	}
	values, err := redisstore.MGet(ctx, s.client, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to check leases: %w", err)
	}

	active := make([]bool, len(entities))
	for i, v := range values {
		active[i] = v != nil
	}
	return active, nil
}

// PutStatus writes a status record and indexes it by update time
func (s *Store) PutStatus(ctx context.Context, l *types.EntityLease) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	ttl := s.opts.TerminalStatusTTL
	if l.Status.Active() {
		ttl = s.opts.ActiveStatusTTL
	}

	member := redisstore.StatusMember(l.EntityCode, string(l.TaskType), l.TraceID)
	pipe := s.client.Pipeline()
	pipe.Set(ctx, redisstore.StatusKey(member), data, ttl)
	pipe.ZAdd(ctx, redisstore.KeyStatusIndex, redis.Z{
		Score:  float64(l.UpdatedAt.UnixMilli()),
		Member: member,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write status %s: %w", member, err)
	}
	return nil
}

// GetStatus reads one status record
func (s *Store) GetStatus(ctx context.Context, entity string, taskType types.TaskType, trace string) (*types.EntityLease, error) {
	member := redisstore.StatusMember(entity, string(taskType), trace)
	data, err := s.client.Get(ctx, redisstore.StatusKey(member)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status %s: %w", member, err)
	}

	var l types.EntityLease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to decode status %s: %w", member, err)
	}
	return &l, nil
}

// ListStatuses returns one page of status records, newest first. Index
// entries whose record has expired are removed on the way.
func (s *Store) ListStatuses(ctx context.Context, page, size int) ([]*types.EntityLease, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}

	start := int64((page - 1) * size)
	members, err := s.client.ZRevRange(ctx, redisstore.KeyStatusIndex, start, start+int64(size)-1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read status index: %w", err)
	}

	records, err := s.load(ctx, members)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.client.ZCard(ctx, redisstore.KeyStatusIndex).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count status index: %w", err)
	}
	return records, total, nil
}

// AllStatuses returns every live status record, newest first
func (s *Store) AllStatuses(ctx context.Context) ([]*types.EntityLease, error) {
	members, err := s.client.ZRevRange(ctx, redisstore.KeyStatusIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status index: %w", err)
	}

	all := make([]*types.EntityLease, 0, len(members))
	for len(members) > 0 {
		n := min(len(members), scanChunk)
		records, err := s.load(ctx, members[:n])
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		members = members[n:]
	}
	return all, nil
}

// CleanupIndex removes index entries whose record has expired
func (s *Store) CleanupIndex(ctx context.Context) (int, error) {
	members, err := s.client.ZRange(ctx, redisstore.KeyStatusIndex, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read status index: %w", err)
	}

	removed := 0
	for len(members) > 0 {
		n := min(len(members), scanChunk)
		chunk := members[:n]
		members = members[n:]

		keys := make([]string, len(chunk))
		for i, m := range chunk {
			keys[i] = redisstore.StatusKey(m)
		}
		values, err := redisstore.MGet(ctx, s.client, keys...)
		if err != nil {
			return removed, fmt.Errorf("failed to read status records: %w", err)
		}

		var zombies []interface{}
		for i, v := range values {
			if v == nil {
				zombies = append(zombies, chunk[i])
			}
		}
		if len(zombies) == 0 {
			continue
		}
		if err := s.client.ZRem(ctx, redisstore.KeyStatusIndex, zombies...).Err(); err != nil {
			return removed, fmt.Errorf("failed to prune status index: %w", err)
		}
		removed += len(zombies)
	}

	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("status index pruned")
	}
	return removed, nil
}

// Clear drops every status record and the index. Liveness keys are kept.
func (s *Store) Clear(ctx context.Context) error {
	members, err := s.client.ZRange(ctx, redisstore.KeyStatusIndex, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read status index: %w", err)
	}
	for _, m := range members {
		if err := s.client.Del(ctx, redisstore.StatusKey(m)).Err(); err != nil {
			return fmt.Errorf("failed to delete status %s: %w", m, err)
		}
	}
	if err := s.client.Del(ctx, redisstore.KeyStatusIndex).Err(); err != nil {
		return fmt.Errorf("failed to delete status index: %w", err)
	}
	s.logger.Info().Int("records", len(members)).Msg("status records cleared")
	return nil
}

// load resolves index members to records and prunes the missing ones
func (s *Store) load(ctx context.Context, members []string) ([]*types.EntityLease, error) {
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = redisstore.StatusKey(m)
	}
	values, err := redisstore.MGet(ctx, s.client, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to read status records: %w", err)
	}

	records := make([]*types.EntityLease, 0, len(values))
	var zombies []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			zombies = append(zombies, members[i])
			continue
		}
		var l types.EntityLease
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			s.logger.Warn().Err(err).Str("member", members[i]).Msg("undecodable status record skipped")
			continue
		}
		records = append(records, &l)
	}

	if len(zombies) > 0 {
		if err := s.client.ZRem(ctx, redisstore.KeyStatusIndex, zombies...).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune expired status entries")
		}
	}
	return records, nil
}
