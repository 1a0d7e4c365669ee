package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RaftStore {
	t.Helper()
	s, err := New(Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap())

	require.Eventually(t, func() bool { return s.IsLeader() }, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Write(ctx, []WritePair{{Path: "node/pvc1", Value: []byte("hello")}})
	require.NoError(t, err)

	kv, err := s.Read(ctx, "node/pvc1")
	require.NoError(t, err)
	require.Equal(t, "hello", string(kv.Value))
	require.Equal(t, uint64(1), kv.Version)
}

func TestWriteVersionConflictRejectsWholeBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []WritePair{{Path: "a", Value: []byte("1")}}))
	require.NoError(t, s.Write(ctx, []WritePair{{Path: "b", Value: []byte("1")}}))

	// Mismatched expected version on "a" must fail the whole batch,
	// leaving "b" untouched by this call.
	err := s.Write(ctx, []WritePair{
		{Path: "a", Value: []byte("2"), CheckVersion: true, ExpectVersion: 99},
		{Path: "b", Value: []byte("2")},
	})
	require.Error(t, err)

	kv, err := s.Read(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "1", string(kv.Value))
}

func TestChildrenOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []WritePair{
		{Path: "osd/3", Value: []byte("{}")},
		{Path: "osd/1", Value: []byte("{}")},
		{Path: "osd/2", Value: []byte("{}")},
	}))

	children, err := s.Children(ctx, "osd")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, children)
}

func TestDeleteRecursive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []WritePair{
		{Path: "domain/abc", Value: []byte("{}")},
		{Path: "domain/abc/state", Value: []byte("start")},
	}))

	require.NoError(t, s.Delete(ctx, []string{"domain/abc"}, true))

	exists, err := s.Exists(ctx, "domain/abc/state")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestExclusiveLockRejectsSecondHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.ExclusiveLock(ctx, "domain.state/abc")
	require.NoError(t, err)

	s2 := &RaftStore{sessionID: "other", raft: s.raft, view: s.view, broker: s.broker}
	_, err = s2.ExclusiveLock(ctx, "domain.state/abc")
	require.Error(t, err)

	require.NoError(t, lock.Unlock())
	_, err = s2.ExclusiveLock(ctx, "domain.state/abc")
	require.NoError(t, err)
}

func TestWatchDeliversChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := make(chan WatchEvent, 4)
	cancel, err := s.Watch(ctx, "domain.state", func(ev WatchEvent) { events <- ev })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Write(ctx, []WritePair{{Path: "domain.state/abc", Value: []byte("start")}}))

	select {
	case ev := <-events:
		require.Equal(t, "domain.state/abc", ev.Path)
		require.Equal(t, "start", string(ev.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not observe write")
	}
}
