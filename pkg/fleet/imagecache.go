package fleet

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketInstances = []byte("instances")

// CachedInstance is the subset of Describe() results the Manager wants
// to survive a process restart without re-calling EC2.
type CachedInstance struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	LaunchedAt time.Time `json:"launched_at"`
}

// ImageCache is a local bolt-backed cache of launched fleet instance
// metadata, adapted from the cluster-state store's bucket-per-entity
// layout: one bucket of instance id -> JSON blob, upserted on launch and
// pruned on stall termination. The Manager only writes to it; nothing in
// the Manager reads it back, so a restarted Manager does not resume from
// it.
type ImageCache struct {
	db *bolt.DB
}

func NewImageCache(dataDir string) (*ImageCache, error) {
	dbPath := filepath.Join(dataDir, "fleet.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("fleet: open image cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &ImageCache{db: db}, nil
}

func (c *ImageCache) Close() error {
	return c.db.Close()
}

func (c *ImageCache) Put(inst CachedInstance) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(inst.ID), data)
	})
}

func (c *ImageCache) Get(id string) (CachedInstance, bool, error) {
	var inst CachedInstance
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &inst)
	})
	return inst, found, err
}

func (c *ImageCache) List() ([]CachedInstance, error) {
	var out []CachedInstance
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var inst CachedInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			out = append(out, inst)
			return nil
		})
	})
	return out, err
}

func (c *ImageCache) Delete(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete([]byte(id))
	})
}
