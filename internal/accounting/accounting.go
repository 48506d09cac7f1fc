// Package accounting persists per-torrent metadata and per-user
// byte-attribution records across restarts and torrent removal,
// supplementing spec.md §4.5 with the durable accounting
// original_source/tvaf/types.py's TorrentMeta/Acct describe.
package accounting

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	torrentMetaBucket = "torrent_meta"
	acctBucket        = "acct"

	// UserUnknown is attributed bytes served with no identifiable
	// requester (e.g. a piece completed after every requester's
	// request was released).
	UserUnknown = "*unknown*"
)

// TorrentMeta is durable metadata about a torrent, kept even after the
// torrent itself is removed from the engine.
type TorrentMeta struct {
	InfoHash   string `json:"infohash"`
	Generation int    `json:"generation"`
	Atime      int64  `json:"atime"`
}

// AcctKey identifies one attribution bucket: "tvaf served num_bytes of
// infohash, in its generation'th lifetime, on tracker, on behalf of
// user".
type AcctKey struct {
	User       string
	Tracker    string
	InfoHash   string
	Generation int
}

func (k AcctKey) boltKey() []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", k.User, k.Tracker, k.InfoHash, k.Generation))
}

// Acct is one accumulated attribution record.
type Acct struct {
	User       string `json:"user"`
	Tracker    string `json:"tracker,omitempty"`
	InfoHash   string `json:"infohash"`
	Generation int    `json:"generation"`
	NumBytes   int64  `json:"num_bytes"`
	Atime      int64  `json:"atime"`
}

// Store is a bbolt-backed accounting database: one bucket of
// TorrentMeta keyed by info hash, one bucket of Acct keyed by
// (user, tracker, info hash, generation).
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the accounting database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("accounting: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(torrentMetaBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(acctBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("accounting: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// BumpGeneration records that infoHash has just transitioned
// Absent → Adding, incrementing its generation counter and returning
// the new value. A torrent never seen before starts at generation 1.
func (s *Store) BumpGeneration(infoHash string, now time.Time) (int, error) {
	var gen int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(torrentMetaBucket))
		meta, err := getTorrentMeta(b, infoHash)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = &TorrentMeta{InfoHash: infoHash}
		}
		meta.Generation++
		meta.Atime = now.Unix()
		gen = meta.Generation
		return putTorrentMeta(b, meta)
	})
	if err != nil {
		return 0, fmt.Errorf("accounting: bump generation for %s: %w", infoHash, err)
	}
	return gen, nil
}

// GetTorrentMeta returns infoHash's stored metadata, or nil if none
// exists yet.
func (s *Store) GetTorrentMeta(infoHash string) (*TorrentMeta, error) {
	var meta *TorrentMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		meta, err = getTorrentMeta(tx.Bucket([]byte(torrentMetaBucket)), infoHash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("accounting: get torrent meta for %s: %w", infoHash, err)
	}
	return meta, nil
}

func getTorrentMeta(b *bolt.Bucket, infoHash string) (*TorrentMeta, error) {
	v := b.Get([]byte(infoHash))
	if v == nil {
		return nil, nil
	}
	var meta TorrentMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func putTorrentMeta(b *bolt.Bucket, meta *TorrentMeta) error {
	v, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return b.Put([]byte(meta.InfoHash), v)
}

// RecordBytes attributes numBytes served for (infoHash, generation) to
// user, accumulating into any existing Acct record for that key and
// bumping its atime to now.
func (s *Store) RecordBytes(key AcctKey, numBytes int64, now time.Time) error {
	if key.User == "" {
		key.User = UserUnknown
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(acctBucket))
		boltKey := key.boltKey()
		acct := Acct{User: key.User, Tracker: key.Tracker, InfoHash: key.InfoHash, Generation: key.Generation}
		if v := b.Get(boltKey); v != nil {
			if err := json.Unmarshal(v, &acct); err != nil {
				return err
			}
		}
		acct.NumBytes += numBytes
		acct.Atime = now.Unix()
		v, err := json.Marshal(acct)
		if err != nil {
			return err
		}
		return b.Put(boltKey, v)
	})
	if err != nil {
		return fmt.Errorf("accounting: record %d bytes for %+v: %w", numBytes, key, err)
	}
	return nil
}

// GetAcct returns the accumulated Acct record for key, or nil if
// nothing has ever been recorded against it.
func (s *Store) GetAcct(key AcctKey) (*Acct, error) {
	if key.User == "" {
		key.User = UserUnknown
	}
	var acct *Acct
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(acctBucket)).Get(key.boltKey())
		if v == nil {
			return nil
		}
		acct = &Acct{}
		return json.Unmarshal(v, acct)
	})
	if err != nil {
		return nil, fmt.Errorf("accounting: get acct for %+v: %w", key, err)
	}
	return acct, nil
}
