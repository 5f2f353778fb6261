/*
Package storage holds the watch-list and the observations refreshed for it.

The Store interface has two halves. EntitySource lists the watched entities
the scheduler fans work out over. Sink receives quotes, K-line bars and ticks
from workers. Every upsert is keyed so that a task replayed after a crash
rewrites the same records instead of adding new ones:

	quotes   code + trade date
	bars     code + period + date
	ticks    code + trade timestamp

UpdateEntity changes a stored entity in place. It reads,
applies a callback and writes back inside one transaction, so two writers
touching different fields (a worker applying a quote, the extrema job setting
highs and lows) never lose each other's update. bbolt gets this from its
single writer transaction; postgres from SELECT ... FOR UPDATE.

# Backends

BoltStore keeps everything in one bbolt file (<dataDir>/heron.db), one bucket
per record kind, values JSON-encoded. Composite keys are '/'-joined so a
cursor Seek over "<code>/<period>/<since>" walks bars in date order. The same
file carries a nodes bucket that the raft membership FSM writes.

GormStore targets postgres through gorm, with clause.OnConflict upserts
batched in chunks of 500. heron-migrate creates the tables.

InfluxMirror decorates either backend and mirrors each observation to an
InfluxDB bucket as a point. Mirror errors are logged; the primary write
decides the outcome.

	store, err := storage.Open(ctx, storage.Config{Driver: "bolt", DataDir: dir})
	if err != nil {
		return err
	}
	defer store.Close()
*/
package storage
