package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MasterChecker reports whether this node currently holds master status
type MasterChecker interface {
	IsMaster() bool
}

// Gate is the cluster-wide node denylist
type Gate struct {
	client  redis.UniversalClient
	self    string
	broker  *events.Broker
	blocked atomic.Bool
	logger  zerolog.Logger
}

// NewGate creates a gate for the node identified by self
func NewGate(client redis.UniversalClient, self string) *Gate {
	return &Gate{
		client: client,
		self:   self,
		logger: log.WithComponent("admission"),
	}
}

// WithBroker makes the gate report changes of this node's own admission
func (g *Gate) WithBroker(broker *events.Broker) *Gate {
	g.broker = broker
	return g
}

// IsBlacklisted reports whether addr is denylisted. Read failures count as
// denylisted.
func (g *Gate) IsBlacklisted(ctx context.Context, addr string) bool {
	if g.client == nil {
		return true
	}
	member, err := g.client.SIsMember(ctx, redisstore.KeyDenylist, addr).Result()
	if err != nil {
		g.logger.Warn().Err(err).Str("addr", addr).Msg("denylist unreadable, failing closed")
		return true
	}
	return member
}

// Self returns the node address this gate answers for
func (g *Gate) Self() string { return g.self }

// CanConsume reports whether this node may take work from the queue
func (g *Gate) CanConsume(ctx context.Context) bool {
	blocked := g.IsBlacklisted(ctx, g.self)
	metrics.SetBool(metrics.Denylisted, blocked)
	if g.blocked.Swap(blocked) != blocked {
		if blocked {
			g.logger.Warn().Str("node", g.self).Msg("node denylisted, consumption paused")
			g.broker.Emit(events.EventDenylistAdded, "node denylisted", "node", g.self)
		} else {
			g.logger.Info().Str("node", g.self).Msg("node admitted, consumption resumed")
			g.broker.Emit(events.EventDenylistRemoved, "node admitted", "node", g.self)
		}
	}
	return !blocked
}

// Allowed reports whether this node may run master-only production.
// Master status is checked first since it is a local read.
func (g *Gate) Allowed(ctx context.Context, master MasterChecker) bool {
	if master == nil || !master.IsMaster() {
		return false
	}
	return g.CanConsume(ctx)
}

// Add denylists addresses
func (g *Gate) Add(ctx context.Context, addrs ...string) error {
	if len(addrs) == 0 {
		return nil
	}
	if err := g.client.SAdd(ctx, redisstore.KeyDenylist, toArgs(addrs)...).Err(); err != nil {
		return fmt.Errorf("failed to add to denylist: %w", err)
	}
	g.logger.Info().Strs("addrs", addrs).Msg("nodes denylisted")
	return nil
}

// Remove lifts addresses from the denylist
func (g *Gate) Remove(ctx context.Context, addrs ...string) error {
	if len(addrs) == 0 {
		return nil
	}
	if err := g.client.SRem(ctx, redisstore.KeyDenylist, toArgs(addrs)...).Err(); err != nil {
		return fmt.Errorf("failed to remove from denylist: %w", err)
	}
	g.logger.Info().Strs("addrs", addrs).Msg("nodes removed from denylist")
	return nil
}

// List returns every denylisted address
func (g *Gate) List(ctx context.Context) ([]string, error) {
	addrs, err := g.client.SMembers(ctx, redisstore.KeyDenylist).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list denylist: %w", err)
	}
	return addrs, nil
}

// Clear empties the denylist
func (g *Gate) Clear(ctx context.Context) error {
	if err := g.client.Del(ctx, redisstore.KeyDenylist).Err(); err != nil {
		return fmt.Errorf("failed to clear denylist: %w", err)
	}
	g.logger.Info().Msg("denylist cleared")
	return nil
}

func toArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
