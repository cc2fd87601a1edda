package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xrypthon/pubdrive/pkg/logging"
	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

var (
	bucketDescriptors = []byte("descriptors")
	bucketOrder       = []byte("order")
)

// BoltConfig configures the BoltDB-backed registry.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
	// Logger receives List failures, which the iterator cannot return.
	Logger logging.Logger
}

// BoltRegistry keeps descriptors across restarts. It is opt-in; the default
// registry is in memory.
type BoltRegistry struct {
	db  *bolt.DB
	log logging.Logger
}

// record is the on-disk form. Seq is the key in the order bucket.
type record struct {
	Seq          uint64    `json:"seq"`
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	StoragePath  string    `json:"storage_path"`
	SizeBytes    int64     `json:"size_bytes"`
	MediaType    string    `json:"media_type"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Protected    bool      `json:"protected"`
	PasswordHash string    `json:"password_hash,omitempty"`
}

// NewBoltRegistry opens (or creates) the database at cfg.Path.
func NewBoltRegistry(cfg BoltConfig) (*BoltRegistry, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDescriptors, bucketOrder} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &BoltRegistry{db: db, log: log}, nil
}

func (b *BoltRegistry) Insert(ctx context.Context, d Descriptor) error {
	const op = "BoltRegistry.Insert"
	if err := validate(op, d); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		descs := tx.Bucket(bucketDescriptors)
		if descs.Get([]byte(d.ID)) != nil {
			return xerrors.E(xerrors.KindAlreadyExists, op, d.ID)
		}
		order := tx.Bucket(bucketOrder)
		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(toRecord(seq, d))
		if err != nil {
			return err
		}
		if err := descs.Put([]byte(d.ID), data); err != nil {
			return err
		}
		return order.Put(encodeUint64(seq), []byte(d.ID))
	})
	if err != nil && xerrors.KindOf(err) == xerrors.KindInternal {
		return xerrors.Wrap(xerrors.KindStorage, op, d.ID, err)
	}
	return err
}

func (b *BoltRegistry) Get(ctx context.Context, id string) (Descriptor, error) {
	const op = "BoltRegistry.Get"
	var d Descriptor
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDescriptors).Get([]byte(id))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, op, id)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return xerrors.Wrap(xerrors.KindStorage, op, id, err)
		}
		d = rec.descriptor()
		return nil
	})
	return d, err
}

func (b *BoltRegistry) List(ctx context.Context) iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		var snapshot []Descriptor
		err := b.db.View(func(tx *bolt.Tx) error {
			descs := tx.Bucket(bucketDescriptors)
			c := tx.Bucket(bucketOrder).Cursor()
			for k, id := c.First(); k != nil; k, id = c.Next() {
				data := descs.Get(id)
				if data == nil {
					continue
				}
				// An unreadable record is skipped so the rest stay listable.
				rec, err := decodeRecord(data)
				if err != nil {
					b.log.Warn(ctx, "registry record skipped", "id", string(id), "err", err)
					continue
				}
				snapshot = append(snapshot, rec.descriptor())
			}
			return nil
		})
		if err != nil {
			b.log.Error(ctx, "registry list failed", "err", err)
			return
		}
		for _, d := range snapshot {
			if ctx.Err() != nil || !yield(d) {
				return
			}
		}
	}
}

func (b *BoltRegistry) Delete(ctx context.Context, id string) error {
	const op = "BoltRegistry.Delete"
	return b.db.Update(func(tx *bolt.Tx) error {
		descs := tx.Bucket(bucketDescriptors)
		data := descs.Get([]byte(id))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, op, id)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return xerrors.Wrap(xerrors.KindStorage, op, id, err)
		}
		if err := tx.Bucket(bucketOrder).Delete(encodeUint64(rec.Seq)); err != nil {
			return err
		}
		return descs.Delete([]byte(id))
	})
}

func (b *BoltRegistry) Len(ctx context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDescriptors).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying BoltDB.
func (b *BoltRegistry) Close() error {
	return b.db.Close()
}

func toRecord(seq uint64, d Descriptor) record {
	return record{
		Seq:          seq,
		ID:           d.ID,
		OriginalName: d.OriginalName,
		StoragePath:  d.StoragePath,
		SizeBytes:    d.SizeBytes,
		MediaType:    d.MediaType,
		UploadedAt:   d.UploadedAt,
		Protected:    d.Protected,
		PasswordHash: d.PasswordHash,
	}
}

func (r record) descriptor() Descriptor {
	return Descriptor{
		ID:           r.ID,
		OriginalName: r.OriginalName,
		StoragePath:  r.StoragePath,
		SizeBytes:    r.SizeBytes,
		MediaType:    r.MediaType,
		UploadedAt:   r.UploadedAt,
		Protected:    r.Protected,
		PasswordHash: r.PasswordHash,
	}
}

func decodeRecord(data []byte) (record, error) {
	var r record
	err := json.Unmarshal(data, &r)
	return r, err
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
