package membership

import (
	"context"
	"sync/atomic"

	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/types"
	"github.com/rs/zerolog"
)

// Elector decides which node is master. IsMaster reads locally cached state
// and never blocks.
type Elector interface {
	IsMaster() bool
	Self() string
	Nodes(ctx context.Context) ([]*types.ClusterNode, error)
	Start(ctx context.Context) error
	Stop()
	SetVeto(v Vetoer)
}

// Vetoer bars addresses from holding mastership. A denylisted node keeps
// heartbeating but steps aside so an admitted node can lead.
type Vetoer interface {
	IsBlacklisted(ctx context.Context, addr string) bool
}

// masterState caches the local master flag and reports transitions
type masterState struct {
	self   string
	master atomic.Bool
	broker *events.Broker
	logger zerolog.Logger
	veto   Vetoer
}

// SetVeto installs v. Call it before Start.
func (s *masterState) SetVeto(v Vetoer) { s.veto = v }

func (s *masterState) vetoed(ctx context.Context) bool {
	return s.veto != nil && s.veto.IsBlacklisted(ctx, s.self)
}

func (s *masterState) IsMaster() bool { return s.master.Load() }

func (s *masterState) Self() string { return s.self }

func (s *masterState) set(master bool, reason string) {
	if s.master.Swap(master) == master {
		return
	}
	metrics.SetBool(metrics.IsMaster, master)

	if master {
		s.logger.Info().Str("reason", reason).Msg("became master")
		s.broker.Emit(events.EventMasterElected, "became master", "reason", reason)
		return
	}
	s.logger.Warn().Str("reason", reason).Msg("lost master")
	s.broker.Emit(events.EventMasterLost, "lost master", "reason", reason)
}
