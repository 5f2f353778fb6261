package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/heron/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEntities = []byte("entities")
	bucketQuotes   = []byte("quotes")
	bucketBars     = []byte("bars")
	bucketTicks    = []byte("ticks")
	bucketNodes    = []byte("nodes")

	// Buckets lists every bucket a heron database carries
	Buckets = [][]byte{bucketEntities, bucketQuotes, bucketBars, bucketTicks, bucketNodes}
)

const (
	// DBFile is the database file name inside the data directory
	DBFile = "heron.db"

	tickKeyLayout = "20060102T150405.000000000"
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range Buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Path returns the database file
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Entity operations
func (s *BoltStore) SaveEntity(ctx context.Context, e *types.WatchedEntity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketEntities), []byte(e.Code), e)
	})
}

func (s *BoltStore) GetEntity(ctx context.Context, code string) (*types.WatchedEntity, error) {
	var entity types.WatchedEntity
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntities).Get([]byte(code))
		if data == nil {
			return fmt.Errorf("entity %s: %w", code, ErrNotFound)
		}
		return json.Unmarshal(data, &entity)
	})
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (s *BoltStore) UpdateEntity(ctx context.Context, code string, fn func(e *types.WatchedEntity) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		data := b.Get([]byte(code))
		if data == nil {
			return fmt.Errorf("entity %s: %w", code, ErrNotFound)
		}
		var entity types.WatchedEntity
		if err := json.Unmarshal(data, &entity); err != nil {
			return err
		}
		if err := fn(&entity); err != nil {
			return err
		}
		return putJSON(b, []byte(code), &entity)
	})
}

func (s *BoltStore) ListEntities(ctx context.Context) ([]*types.WatchedEntity, error) {
	var entities []*types.WatchedEntity
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntities).ForEach(func(k, v []byte) error {
			var entity types.WatchedEntity
			if err := json.Unmarshal(v, &entity); err != nil {
				return err
			}
			entities = append(entities, &entity)
			return nil
		})
	})
	return entities, err
}

// Observation operations
func (s *BoltStore) UpsertQuotes(ctx context.Context, quotes []*types.Quote) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotes)
		for _, q := range quotes {
			if err := putJSON(b, compositeKey(q.Code, q.TradeDate), q); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UpsertBars(ctx context.Context, bars []*types.Bar) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBars)
		for _, bar := range bars {
			if err := putJSON(b, compositeKey(bar.Code, bar.Period, bar.Date), bar); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UpsertTicks(ctx context.Context, ticks []*types.Tick) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTicks)
		for _, t := range ticks {
			key := compositeKey(t.Code, t.Time.UTC().Format(tickKeyLayout))
			if err := putJSON(b, key, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListBars(ctx context.Context, code, period string, since time.Time) ([]*types.Bar, error) {
	prefix := compositeKey(code, period, "")
	start := compositeKey(code, period, since.Format(types.DateLayout))

	var bars []*types.Bar
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBars).Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var bar types.Bar
			if err := json.Unmarshal(v, &bar); err != nil {
				return err
			}
			bars = append(bars, &bar)
		}
		return nil
	})
	return bars, err
}

// QuoteCount returns the number of stored quotes for an entity
func (s *BoltStore) QuoteCount(code string) (int, error) {
	return s.count(bucketQuotes, compositeKey(code, ""))
}

// TickCount returns the number of stored ticks for an entity
func (s *BoltStore) TickCount(code string) (int, error) {
	return s.count(bucketTicks, compositeKey(code, ""))
}

// GetQuote returns the quote of an entity for a trade date
func (s *BoltStore) GetQuote(code, tradeDate string) (*types.Quote, error) {
	var q types.Quote
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQuotes).Get(compositeKey(code, tradeDate))
		if data == nil {
			return fmt.Errorf("quote %s/%s: %w", code, tradeDate, ErrNotFound)
		}
		return json.Unmarshal(data, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Node operations back the raft membership table

// ReplaceNodes swaps the node table for nodes
func (s *BoltStore) ReplaceNodes(nodes []*types.ClusterNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketNodes); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := putJSON(b, []byte(n.Address), n); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListNodes returns the node table ordered by address
func (s *BoltStore) ListNodes() ([]*types.ClusterNode, error) {
	var nodes []*types.ClusterNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.ClusterNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) count(bucket, prefix []byte) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// compositeKey joins parts with '/', which never appears in codes, periods
// or dates
func compositeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}
