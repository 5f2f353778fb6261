package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/cuemby/heron/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the heartbeat elector
type RedisOptions struct {
	Heartbeat time.Duration
	MasterTTL time.Duration
	NodeTTL   time.Duration
}

// DefaultRedisOptions beats every 5s with 15s expiry
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Heartbeat: 5 * time.Second,
		MasterTTL: 15 * time.Second,
		NodeTTL:   15 * time.Second,
	}
}

// RedisElector elects the master through an expiring key. Every node
// heartbeats its own registry key and races for sched:master; the holder
// renews it on every beat. A node that cannot reach the store stops
// considering itself master.
type RedisElector struct {
	masterState
	client redis.UniversalClient
	opts   RedisOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type nodeRecord struct {
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// NewRedisElector creates an elector for the node at self
func NewRedisElector(client redis.UniversalClient, self string, opts RedisOptions, broker *events.Broker) *RedisElector {
	def := DefaultRedisOptions()
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = def.Heartbeat
	}
	if opts.MasterTTL <= 0 {
		opts.MasterTTL = def.MasterTTL
	}
	if opts.NodeTTL <= 0 {
		opts.NodeTTL = def.NodeTTL
	}
	return &RedisElector{
		masterState: masterState{
			self:   self,
			broker: broker,
			logger: log.WithComponent("membership").With().Str("node", self).Logger(),
		},
		client: client,
		opts:   opts,
	}
}

// Start beats once synchronously, then keeps beating in the background
func (e *RedisElector) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.Beat(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Beat(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the heartbeat and gives up mastership
func (e *RedisElector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Resign(ctx)
}

// Beat registers this node and claims or renews the master key. A vetoed
// node releases the key if it holds it and does not race for it.
func (e *RedisElector) Beat(ctx context.Context) {
	rec, _ := json.Marshal(nodeRecord{Address: e.self, LastSeen: time.Now()})

	pipe := e.client.Pipeline()
	pipe.Set(ctx, redisstore.NodeKey(e.self), rec, e.opts.NodeTTL)
	joined := pipe.SAdd(ctx, redisstore.KeyNodes, e.self)
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("heartbeat failed")
		e.set(false, "store unreachable")
		return
	}
	if joined.Val() == 1 {
		e.logger.Info().Msg("joined cluster")
		e.broker.Emit(events.EventNodeJoined, "joined cluster", "node", e.self)
	}

	if e.vetoed(ctx) {
		if err := redisstore.CompareAndDelete.Run(ctx, e.client, []string{redisstore.KeyMaster}, e.self).Err(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to release master key")
		}
		e.set(false, "denylisted")
		return
	}

	won, err := e.client.SetNX(ctx, redisstore.KeyMaster, e.self, e.opts.MasterTTL).Result()
	if err != nil {
		e.set(false, "store unreachable")
		return
	}
	if won {
		e.set(true, "claimed master key")
		return
	}

	renewed, err := redisstore.CompareAndPExpire.Run(ctx, e.client,
		[]string{redisstore.KeyMaster}, e.self, e.opts.MasterTTL.Milliseconds()).Int()
	if err != nil {
		e.set(false, "store unreachable")
		return
	}
	e.set(renewed == 1, "master key held elsewhere")
}

// Resign deletes the master key if this node holds it
func (e *RedisElector) Resign(ctx context.Context) {
	if _, err := redisstore.CompareAndDelete.Run(ctx, e.client, []string{redisstore.KeyMaster}, e.self).Result(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to resign master key")
	}
	e.set(false, "resigned")
}

// Master returns the address holding the master key, or "" when none does
func (e *RedisElector) Master(ctx context.Context) (string, error) {
	addr, err := e.client.Get(ctx, redisstore.KeyMaster).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return addr, err
}

// Nodes lists nodes with a live heartbeat. Registry entries whose heartbeat
// has expired are pruned.
func (e *RedisElector) Nodes(ctx context.Context) ([]*types.ClusterNode, error) {
	addrs, err := e.client.SMembers(ctx, redisstore.KeyNodes).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	sort.Strings(addrs)

	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = redisstore.NodeKey(a)
	}
	values, err := redisstore.MGet(ctx, e.client, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeats: %w", err)
	}
	master, err := e.Master(ctx)
	if err != nil {
		return nil, err
	}

	var (
		nodes []*types.ClusterNode
		dead  []interface{}
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			dead = append(dead, addrs[i])
			continue
		}
		var rec nodeRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			rec = nodeRecord{Address: addrs[i]}
		}
		nodes = append(nodes, &types.ClusterNode{
			Address:  addrs[i],
			Master:   addrs[i] == master,
			LastSeen: rec.LastSeen,
		})
	}

	if len(dead) > 0 {
		if err := e.client.SRem(ctx, redisstore.KeyNodes, dead...).Err(); err != nil {
			e.logger.Debug().Err(err).Msg("failed to prune dead nodes")
		}
		for _, a := range dead {
			e.broker.Emit(events.EventNodeLeft, "heartbeat expired", "node", a.(string))
		}
	}
	metrics.NodesAlive.Set(float64(len(nodes)))
	return nodes, nil
}
