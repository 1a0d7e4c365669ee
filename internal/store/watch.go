package store

import (
	"strings"
	"sync"
)

// watchBroker fans committed-path notifications out to subscribers whose
// watched path is a prefix of (or equal to) the changed path, grounded on
// this module's own event-broker idiom: a buffered channel drained by one
// goroutine per subscription, non-blocking delivery so a slow watcher
// cannot stall the FSM's apply path.
type watchBroker struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
	view *boltView
}

type subscription struct {
	path string
	cb   WatchCallback
	ch   chan WatchEvent
	stop chan struct{}
}

func newWatchBroker(view *boltView) *watchBroker {
	return &watchBroker{subs: make(map[int]*subscription), view: view}
}

func (b *watchBroker) subscribe(path string, cb WatchCallback) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscription{path: path, cb: cb, ch: make(chan WatchEvent, 64), stop: make(chan struct{})}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				sub.cb(ev)
			case <-sub.stop:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.stop)
	}
}

// notify is called by the FSM after every successful write, delete, rename
// or ephemeral registration with the set of paths the command touched. Paths are re-read from the view so watchers
// see the committed value, not the in-flight command payload.
func (b *watchBroker) notify(paths []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, p := range paths {
		rec, found, _ := b.view.get(p)
		ev := WatchEvent{Path: p, Deleted: !found}
		if found {
			ev.Value = rec.Value
			ev.Version = rec.Version
		}
		for _, sub := range b.subs {
			if !pathMatches(sub.path, p) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

func pathMatches(watched, changed string) bool {
	if watched == changed {
		return true
	}
	return strings.HasPrefix(changed, watched+"/")
}
