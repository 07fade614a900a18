package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketManagerConfig = []byte("manager_config")
	bucketScanLog       = []byte("scan_log")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketManagerConfig, bucketScanLog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveManagerConfig(cfg *ManagerConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManagerConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketManagerConfig)
		}
		st := managerConfigStorage{
			Kind:     cfg.Kind,
			Settings: cfg.Settings,
			Secret:   cfg.Secret,
			AddedAt:  cfg.AddedAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Kind), data)
	})
}

func (s *BoltStore) GetManagerConfig(kind string) (*ManagerConfig, error) {
	var cfg ManagerConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManagerConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketManagerConfig)
		}
		data := b.Get([]byte(kind))
		if data == nil {
			return fmt.Errorf("manager config %s: %w", kind, ErrNotFound)
		}
		var st managerConfigStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		cfg = ManagerConfig{Kind: st.Kind, Settings: st.Settings, Secret: st.Secret, AddedAt: st.AddedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) DeleteManagerConfig(kind string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManagerConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketManagerConfig)
		}
		return b.Delete([]byte(kind))
	})
}

func (s *BoltStore) ListManagerConfigs() ([]*ManagerConfig, error) {
	var configs []*ManagerConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManagerConfig)
		if b == nil {
			return nil
		}
		configs = make([]*ManagerConfig, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st managerConfigStorage
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			configs = append(configs, &ManagerConfig{Kind: st.Kind, Settings: st.Settings, Secret: st.Secret, AddedAt: st.AddedAt})
			return nil
		})
	})
	return configs, err
}

// AppendScanEvent appends one entry to the scan audit log keyed by an
// autoincrementing sequence number (bbolt's NextSequence), so ForEach
// iteration naturally yields events in chronological order.
func (s *BoltStore) AppendScanEvent(evt *ScanEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScanLog)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketScanLog)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		evt.Seq = seq
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// ListScanEvents returns up to limit of the most recent scan events, newest
// first. limit <= 0 means no limit.
func (s *BoltStore) ListScanEvents(limit int) ([]*ScanEvent, error) {
	var events []*ScanEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScanLog)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var evt ScanEvent
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			events = append(events, &evt)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
