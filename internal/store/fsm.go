package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

// Command is the single envelope every Raft log entry carries; Apply
// switches on Op exactly the way this codebase's other Raft-backed
// subsystems do.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opWrite             = "write"
	opDelete            = "delete"
	opRename            = "rename"
	opLockAcquire       = "lock_acquire"
	opLockRelease       = "lock_release"
	opEphemeralRegister = "ephemeral_register"
	opSessionExpire     = "session_expire"
)

type writeCmd struct {
	Pairs []WritePair `json:"pairs"`
}

type deleteCmd struct {
	Paths     []string `json:"paths"`
	Recursive bool     `json:"recursive"`
}

type renameCmd struct {
	Pairs map[string]string `json:"pairs"`
}

type lockCmd struct {
	Path   string `json:"path"`
	Owner  string `json:"owner"`
	Shared bool   `json:"shared"`
}

type ephemeralCmd struct {
	Path    string `json:"path"`
	Session string `json:"session"`
	Value   []byte `json:"value"`
}

type sessionExpireCmd struct {
	Session string `json:"session"`
}

// FSM is the hashicorp/raft state machine: every committed log entry is a
// Command applied against the local bbolt materialized view.
type FSM struct {
	mu   sync.Mutex
	view *boltView

	// onApply, when set, is invoked after a successful Write/Delete/Rename
	// with the set of affected paths, driving the watch broker.
	onApply func(paths []string)

	// onSessionExpire is invoked after a session_expire command has been
	// applied, so the owning node can raise SessionLost locally.
	onSessionExpire func(session string)
}

func newFSM(view *boltView) *FSM {
	return &FSM{view: view}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("fsm: decode command: %w", err)
	}

	switch cmd.Op {
	case opWrite:
		var c writeCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		if err := f.view.applyWrite(c.Pairs); err != nil {
			return err
		}
		if f.onApply != nil {
			paths := make([]string, len(c.Pairs))
			for i, p := range c.Pairs {
				paths[i] = p.Path
			}
			f.onApply(paths)
		}
		return nil

	case opDelete:
		var c deleteCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		if err := f.view.applyDelete(c.Paths, c.Recursive); err != nil {
			return err
		}
		if f.onApply != nil {
			f.onApply(c.Paths)
		}
		return nil

	case opRename:
		var c renameCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		if err := f.view.applyRename(c.Pairs); err != nil {
			return err
		}
		if f.onApply != nil {
			paths := make([]string, 0, 2*len(c.Pairs))
			for from, to := range c.Pairs {
				paths = append(paths, from, to)
			}
			f.onApply(paths)
		}
		return nil

	case opLockAcquire:
		var c lockCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.view.lockAcquire(c.Path, c.Owner, c.Shared)

	case opLockRelease:
		var c lockCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.view.lockRelease(c.Path, c.Owner)

	case opEphemeralRegister:
		var c ephemeralCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		if err := f.view.ephemeralRegister(c.Path, c.Session, c.Value); err != nil {
			return err
		}
		if f.onApply != nil {
			f.onApply([]string{c.Path})
		}
		return nil

	case opSessionExpire:
		var c sessionExpireCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		if err := f.view.releaseAllOwnedBy(c.Session); err != nil {
			return err
		}
		if f.onSessionExpire != nil {
			f.onSessionExpire(c.Session)
		}
		return nil

	default:
		return fmt.Errorf("fsm: unknown op %q", cmd.Op)
	}
}

// snapshotEntry is one key captured for a raft snapshot.
type snapshotEntry struct {
	Path    string `json:"path"`
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

type fsmSnapshot struct {
	Entries []snapshotEntry `json:"entries"`
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.walkAll()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{Entries: entries}, nil
}

func (f *FSM) walkAll() ([]snapshotEntry, error) {
	var entries []snapshotEntry
	err := f.view.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, snapshotEntry{Path: string(k), Value: rec.Value, Version: rec.Version})
			return nil
		})
	})
	return entries, err
}

// Persist implements raft.FSMSnapshot.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *fsmSnapshot) Release() {}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("fsm: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.view.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKV); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketKV)
		if err != nil {
			return err
		}
		for _, e := range snap.Entries {
			rec := record{Value: e.Value, Version: e.Version}
			encoded, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.Path), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}
