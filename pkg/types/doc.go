/*
Package types defines the core data structures shared across Heron.

Everything that crosses a package boundary lives here: the watch list, the
refresh tasks carried by the queue, the per-entity lease records that drive
the watchdog and the monitor, and the observations written to the sink.

# Core Types

Watch list:
  - WatchedEntity: an instrument (stock or ETF) with its latest price fields
    and rolling-window extrema
  - EntityKind: stock or etf

Work:
  - RefreshTask: one queued unit of work for one entity
  - TaskType: REFRESH_PRICE, KLINE, ETF or TICK, each with its own topic

Liveness:
  - EntityLease: status record for one (entity, task type, trace)
  - LeaseStatus: RUNNING, WAITING, FAILED, SKIPPED, SUCCESS, IDLE
  - LockRecord: a held cluster lock
  - ClusterNode: a live member and whether it is master

Observations:
  - Quote: daily price snapshot, keyed by code and trade date
  - Bar: K-line candle, keyed by code, period and date
  - Tick: trade print, keyed by code and timestamp

# State Machine

Each entity task moves through:

	IDLE → WAITING → RUNNING → SUCCESS ┐
	                    │      FAILED  ├→ re-arm → WAITING
	                    └────→ SKIPPED ┘

IDLE is never stored: an entity with no lease record is idle. Looped task
types (REFRESH_PRICE) re-arm on completion; bulk types (KLINE, ETF, TICK) are
produced by periodic scans and run once.

# Aggregation Order

LeaseStatus.Priority gives the fixed order used by the monitor:

	RUNNING(1) > WAITING(2) > FAILED(3) > SKIPPED(4) > SUCCESS(5) > other(99)

# Money

All prices use shopspring/decimal so that values read from upstream text are
stored without binary floating point drift.
*/
package types
