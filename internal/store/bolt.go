package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCameras  = []byte("cameras")
	bucketCommands = []byte("commands")
)

// DefaultHistoryLimit is how many command records are kept.
const DefaultHistoryLimit = 1000

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db           *bolt.DB
	historyLimit int
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCameras, bucketCommands} {
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

	return &BoltStore{db: db, historyLimit: DefaultHistoryLimit}, nil
}

// SetHistoryLimit changes how many command records are retained.
func (s *BoltStore) SetHistoryLimit(n int) {
	if n > 0 {
		s.historyLimit = n
	}
}

func (s *BoltStore) SaveCamera(cam *Camera) error {
	if cam.Serial == "" {
		return fmt.Errorf("save camera: empty serial")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCameras)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCameras)
		}
		data, err := json.Marshal(cam)
		if err != nil {
			return err
		}
		return b.Put([]byte(cam.Serial), data)
	})
}

func (s *BoltStore) GetCamera(serial string) (*Camera, error) {
	var cam Camera
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCameras)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCameras)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("camera %s: %w", serial, ErrNotFound)
		}
		return json.Unmarshal(data, &cam)
	})
	if err != nil {
		return nil, err
	}
	return &cam, nil
}

func (s *BoltStore) DeleteCamera(serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCameras)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCameras)
		}
		if b.Get([]byte(serial)) == nil {
			return fmt.Errorf("camera %s: %w", serial, ErrNotFound)
		}
		return b.Delete([]byte(serial))
	})
}

func (s *BoltStore) ListCameras() ([]*Camera, error) {
	var cameras []*Camera
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCameras)
		if b == nil {
			return nil // no bucket = no cameras
		}
		cameras = make([]*Camera, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var cam Camera
			if err := json.Unmarshal(v, &cam); err != nil {
				return err
			}
			cameras = append(cameras, &cam)
			return nil
		})
	})
	return cameras, err
}

func (s *BoltStore) UpdateCamera(serial string, fn func(cam *Camera) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCameras)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCameras)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("camera %s: %w", serial, ErrNotFound)
		}
		var cam Camera
		if err := json.Unmarshal(data, &cam); err != nil {
			return err
		}
		if err := fn(&cam); err != nil {
			return err
		}
		cam.Serial = serial
		out, err := json.Marshal(&cam)
		if err != nil {
			return err
		}
		return b.Put([]byte(serial), out)
	})
}

// commandKey encodes a sequence as a big-endian key so cursor order is
// insertion order.
func commandKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func (s *BoltStore) RecordCommand(rec *CommandRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCommands)
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id
		if rec.At.IsZero() {
			rec.At = time.Now()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(commandKey(id), data); err != nil {
			return err
		}

		// Keys are sequential, so everything at or below id-limit is stale.
		if id <= uint64(s.historyLimit) {
			return nil
		}
		cutoff := id - uint64(s.historyLimit)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) RecentCommands(limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*CommandRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
