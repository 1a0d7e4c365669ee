package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")
var bucketLocks = []byte("locks")
var bucketEphemeral = []byte("ephemeral")

// record is the on-disk shape of one stored key.
type record struct {
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

// lockRecord tracks the current holder of a lock path.
type lockRecord struct {
	Owner   string `json:"owner"`
	Shared  bool   `json:"shared"`
	Readers int    `json:"readers"`
}

// ephemeralRecord tracks an ephemeral registration's owning session so a
// lost session can sweep every ephemeral it created.
type ephemeralRecord struct {
	Session string `json:"session"`
	Value   []byte `json:"value"`
}

// boltView is the local materialized view the FSM applies committed Raft
// log entries into. It is never written to directly outside Apply/Restore;
// every mutation goes through the replicated log first.
type boltView struct {
	db *bolt.DB
}

func newBoltView(path string) (*boltView, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt view: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKV, bucketLocks, bucketEphemeral} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltView{db: db}, nil
}

func (v *boltView) close() error { return v.db.Close() }

func (v *boltView) get(path string) (record, bool, error) {
	var rec record
	var found bool
	err := v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKV).Get([]byte(path))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	return rec, found, err
}

func (v *boltView) getMany(paths []string) ([]KV, error) {
	out := make([]KV, 0, len(paths))
	err := v.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for _, p := range paths {
			raw := b.Get([]byte(p))
			if raw == nil {
				continue
			}
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, KV{Path: p, Value: rec.Value, Version: rec.Version})
		}
		return nil
	})
	return out, err
}

// applyWrite performs the all-or-nothing multi-set with per-key version
// guards; it is only ever invoked from within the FSM's Apply, on the
// already-committed log entry. A version mismatch returns an error from
// the bbolt transaction, which discards every put already made in it, so
// no pair of the batch is stored.
func (v *boltView) applyWrite(pairs []WritePair) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for _, p := range pairs {
			raw := b.Get([]byte(p.Path))
			var cur record
			exists := raw != nil
			if exists {
				if err := json.Unmarshal(raw, &cur); err != nil {
					return err
				}
			}
			if p.CheckVersion && exists && cur.Version != p.ExpectVersion {
				return &versionConflictError{Path: p.Path, Expected: p.ExpectVersion, Actual: cur.Version}
			}
			if p.CheckVersion && !exists && p.ExpectVersion != 0 {
				return &versionConflictError{Path: p.Path, Expected: p.ExpectVersion, Actual: 0}
			}
			next := record{Value: p.Value, Version: cur.Version + 1}
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p.Path), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

func (v *boltView) applyDelete(paths []string, recursive bool) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for _, p := range paths {
			if err := b.Delete([]byte(p)); err != nil {
				return err
			}
			if !recursive {
				continue
			}
			prefix := []byte(p + "/")
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (v *boltView) applyRename(pairs map[string]string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for from, to := range pairs {
			raw := b.Get([]byte(from))
			if raw == nil {
				continue
			}
			if err := b.Put([]byte(to), raw); err != nil {
				return err
			}
			if err := b.Delete([]byte(from)); err != nil {
				return err
			}
		}
		return nil
	})
}

// children returns the immediate ordered children of path: every stored
// key of the form path/<child>[...] collapsed to its first path segment
// past the prefix. bbolt's cursor walks keys in lexicographic order, which
// is what gives us the ordered-children primitive for free.
func (v *boltView) children(path string) ([]string, error) {
	prefix := path + "/"
	seen := map[string]bool{}
	var out []string
	err := v.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, _ = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			child := rest
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				child = rest[:idx]
			}
			if !seen[child] {
				seen[child] = true
				out = append(out, child)
			}
		}
		return nil
	})
	return out, err
}

func (v *boltView) exists(path string) (bool, error) {
	_, found, err := v.get(path)
	return found, err
}

type versionConflictError struct {
	Path     string
	Expected uint64
	Actual   uint64
}

func (e *versionConflictError) Error() string {
	return fmt.Sprintf("store: version conflict on %s: expected %d, have %d", e.Path, e.Expected, e.Actual)
}

// --- locks ---

func (v *boltView) lockAcquire(path, owner string, shared bool) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		raw := b.Get([]byte(path))
		var cur lockRecord
		if raw != nil {
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
			if cur.Owner != "" && cur.Owner != owner {
				if shared && cur.Shared {
					// fall through: multiple shared readers allowed
				} else {
					return &lockHeldError{Path: path, Owner: cur.Owner}
				}
			}
		}
		next := lockRecord{Owner: owner, Shared: shared}
		if shared {
			next.Readers = cur.Readers + 1
			next.Owner = owner
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), encoded)
	})
}

func (v *boltView) lockRelease(path, owner string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		raw := b.Get([]byte(path))
		if raw == nil {
			return nil
		}
		var cur lockRecord
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.Shared && cur.Readers > 1 {
			cur.Readers--
			encoded, _ := json.Marshal(cur)
			return b.Put([]byte(path), encoded)
		}
		return b.Delete([]byte(path))
	})
}

// releaseAllOwnedBy drops every lock and ephemeral owned by session, used
// when a node's session is declared lost.
func (v *boltView) releaseAllOwnedBy(session string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		lb := tx.Bucket(bucketLocks)
		if err := deleteWhereOwner(lb, session); err != nil {
			return err
		}
		eb := tx.Bucket(bucketEphemeral)
		c := eb.Cursor()
		var toDelete [][]byte
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var rec ephemeralRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if rec.Session == session {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := eb.Delete(k); err != nil {
				return err
			}
			if err := tx.Bucket(bucketKV).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteWhereOwner(b *bolt.Bucket, owner string) error {
	c := b.Cursor()
	var toDelete [][]byte
	for k, raw := c.First(); k != nil; k, raw = c.Next() {
		var rec lockRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Owner == owner {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

type lockHeldError struct {
	Path  string
	Owner string
}

func (e *lockHeldError) Error() string {
	return fmt.Sprintf("store: %s is held by %s", e.Path, e.Owner)
}

// --- ephemeral ---

func (v *boltView) ephemeralRegister(path, session string, value []byte) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		rec := ephemeralRecord{Session: session, Value: value}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEphemeral).Put([]byte(path), encoded); err != nil {
			return err
		}
		kvRec := record{Value: value, Version: 1}
		kvEncoded, err := json.Marshal(kvRec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKV).Put([]byte(path), kvEncoded)
	})
}
