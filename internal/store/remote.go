package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// remoteRequest/remoteResponse frame the Store surface a non-voter compute
// node needs from a coordinator: every Store method plus the one-shot
// "join" admin call. Framing is length-delimited JSON over TCP rather than
// a generic RPC framework — this module has no internal RPC surface
// competing for the job (see SPEC_FULL.md §3.A), so the wire format stays
// this simple. NodeID identifies the calling node for lock/ephemeral
// ownership: a RemoteClient has no Raft session of its own, so the
// coordinator stamps locks and ephemerals it takes out on a remote node's
// behalf with that node's own identity rather than the coordinator's,
// which keeps internal/fencing's per-node ExpireSession call effective
// against compute nodes and not just coordinators.
type remoteRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path,omitempty"`
	Paths       []string          `json:"paths,omitempty"`
	Pairs       []WritePair       `json:"pairs,omitempty"`
	RenamePairs map[string]string `json:"rename_pairs,omitempty"`
	Recursive   bool              `json:"recursive,omitempty"`
	Shared      bool              `json:"shared,omitempty"`
	Value       []byte            `json:"value,omitempty"`
	NodeID      string            `json:"node_id,omitempty"`
	Addr        string            `json:"addr,omitempty"`
}

type remoteResponse struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	KV     *KV         `json:"kv,omitempty"`
	KVs    []KV        `json:"kvs,omitempty"`
	Names  []string    `json:"names,omitempty"`
	Exists bool        `json:"exists,omitempty"`
	Event  *WatchEvent `json:"event,omitempty"`
}

// RemoteServer exposes a RaftStore to non-coordinator nodes over TCP.
type RemoteServer struct {
	store *RaftStore
	ln    net.Listener
}

// ServeRemote starts accepting remote store connections on addr.
func ServeRemote(s *RaftStore, addr string) (*RemoteServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("store: listen remote: %w", err)
	}
	rs := &RemoteServer{store: s, ln: ln}
	go rs.acceptLoop()
	return rs, nil
}

func (rs *RemoteServer) acceptLoop() {
	for {
		conn, err := rs.ln.Accept()
		if err != nil {
			return
		}
		go rs.handle(conn)
	}
}

func (rs *RemoteServer) handle(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var req remoteRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		if req.Method == "watch" {
			rs.streamWatch(conn, enc, &req)
			return
		}
		resp := rs.dispatch(&req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// streamWatch keeps a single connection open for the lifetime of one
// subscription, pushing a remoteResponse per observed change rather than
// waiting for further requests. The connection closing (client
// disconnect, or the server side Accept loop tearing down) unsubscribes.
func (rs *RemoteServer) streamWatch(conn net.Conn, enc *json.Encoder, req *remoteRequest) {
	var mu sync.Mutex
	cancel := rs.store.broker.subscribe(req.Path, func(ev WatchEvent) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(remoteResponse{OK: true, Event: &ev})
	})
	defer cancel()

	// The connection has no further requests to read; block until the
	// peer closes it so cancel() above runs on disconnect.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func (rs *RemoteServer) dispatch(req *remoteRequest) remoteResponse {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	switch req.Method {
	case "read":
		kv, err := rs.store.Read(ctx, req.Path)
		if err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true, KV: &kv}
	case "read_many":
		kvs, err := rs.store.ReadMany(ctx, req.Paths)
		if err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true, KVs: kvs}
	case "write":
		if err := rs.store.Write(ctx, req.Pairs); err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true}
	case "delete":
		if err := rs.store.Delete(ctx, req.Paths, req.Recursive); err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true}
	case "rename":
		if err := rs.store.Rename(ctx, req.RenamePairs); err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true}
	case "children":
		names, err := rs.store.Children(ctx, req.Path)
		if err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true, Names: names}
	case "exists":
		ok, err := rs.store.Exists(ctx, req.Path)
		if err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true, Exists: ok}
	case "lock_acquire":
		if err := rs.store.apply(ctx, opLockAcquire, lockCmd{Path: req.Path, Owner: req.NodeID, Shared: req.Shared}); err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true}
	case "lock_release":
		if err := rs.store.apply(ctx, opLockRelease, lockCmd{Path: req.Path, Owner: req.NodeID}); err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true}
	case "ephemeral_register":
		if err := rs.store.apply(ctx, opEphemeralRegister, ephemeralCmd{Path: req.Path, Session: req.NodeID, Value: req.Value}); err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true}
	case "join":
		// Admin call a brand-new node makes against the current leader's
		// remote listener to become a Raft voter, before it has any other
		// way to reach the cluster's Raft transport.
		if err := rs.store.AddVoter(req.NodeID, req.Addr); err != nil {
			return remoteResponse{Error: err.Error()}
		}
		return remoteResponse{OK: true}
	default:
		return remoteResponse{Error: fmt.Sprintf("remote store: unknown method %q", req.Method)}
	}
}

func (rs *RemoteServer) Close() error { return rs.ln.Close() }

// Addr returns the address the server is listening on, resolved from the
// OS when constructed with a ":0" port.
func (rs *RemoteServer) Addr() string { return rs.ln.Addr().String() }

// RemoteClient is the thin client a compute-only (non-voter) node uses to
// reach the coordination service without itself participating in Raft. It
// implements the full Store interface so vm.Manager, the agent, and
// storageengine/network need no awareness of whether they are talking to
// a local RaftStore or a remote one.
type RemoteClient struct {
	addr string
	id   string

	mu           sync.Mutex
	sessionCbs   []func(SessionEvent)
	watchCancels []func()
}

// NewRemoteClient targets a coordinator's remote store listener. id
// identifies this node for lock ownership and ephemeral registration —
// normally the node's own NodeID/hostname.
func NewRemoteClient(addr, id string) *RemoteClient { return &RemoteClient{addr: addr, id: id} }

func (c *RemoteClient) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("remote store: dial: %w", err)
	}
	return conn, nil
}

func (c *RemoteClient) roundTrip(ctx context.Context, req remoteRequest) (remoteResponse, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return remoteResponse{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return remoteResponse{}, err
	}
	var resp remoteResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return remoteResponse{}, err
	}
	if resp.Error != "" {
		return remoteResponse{}, fmt.Errorf("remote store: %s", resp.Error)
	}
	return resp, nil
}

// Read implements Store.
func (c *RemoteClient) Read(ctx context.Context, path string) (KV, error) {
	resp, err := c.roundTrip(ctx, remoteRequest{Method: "read", Path: path})
	if err != nil {
		return KV{}, err
	}
	return *resp.KV, nil
}

// ReadMany implements Store.
func (c *RemoteClient) ReadMany(ctx context.Context, paths []string) ([]KV, error) {
	resp, err := c.roundTrip(ctx, remoteRequest{Method: "read_many", Paths: paths})
	if err != nil {
		return nil, err
	}
	return resp.KVs, nil
}

// Write implements Store.
func (c *RemoteClient) Write(ctx context.Context, pairs []WritePair) error {
	_, err := c.roundTrip(ctx, remoteRequest{Method: "write", Pairs: pairs})
	return err
}

// Delete implements Store.
func (c *RemoteClient) Delete(ctx context.Context, paths []string, recursive bool) error {
	_, err := c.roundTrip(ctx, remoteRequest{Method: "delete", Paths: paths, Recursive: recursive})
	return err
}

// Children implements Store.
func (c *RemoteClient) Children(ctx context.Context, path string) ([]string, error) {
	resp, err := c.roundTrip(ctx, remoteRequest{Method: "children", Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// Exists implements Store.
func (c *RemoteClient) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := c.roundTrip(ctx, remoteRequest{Method: "exists", Path: path})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Rename implements Store.
func (c *RemoteClient) Rename(ctx context.Context, pairs map[string]string) error {
	_, err := c.roundTrip(ctx, remoteRequest{Method: "rename", RenamePairs: pairs})
	return err
}

// remoteLock releases itself over the wire on Unlock, stamped with the
// owning RemoteClient's node identity.
type remoteLock struct {
	client *RemoteClient
	path   string
}

func (l *remoteLock) Unlock() error {
	_, err := l.client.roundTrip(context.Background(), remoteRequest{Method: "lock_release", Path: l.path, NodeID: l.client.id})
	return err
}

// ExclusiveLock implements Store.
func (c *RemoteClient) ExclusiveLock(ctx context.Context, path string) (Lock, error) {
	if _, err := c.roundTrip(ctx, remoteRequest{Method: "lock_acquire", Path: path, NodeID: c.id, Shared: false}); err != nil {
		return nil, err
	}
	return &remoteLock{client: c, path: path}, nil
}

// ReadLock implements Store.
func (c *RemoteClient) ReadLock(ctx context.Context, path string) (Lock, error) {
	if _, err := c.roundTrip(ctx, remoteRequest{Method: "lock_acquire", Path: path, NodeID: c.id, Shared: true}); err != nil {
		return nil, err
	}
	return &remoteLock{client: c, path: path}, nil
}

// WriteLock implements Store.
func (c *RemoteClient) WriteLock(ctx context.Context, path string) (Lock, error) {
	return c.ExclusiveLock(ctx, path)
}

// EphemeralRegister implements Store.
func (c *RemoteClient) EphemeralRegister(ctx context.Context, path string, value []byte) error {
	_, err := c.roundTrip(ctx, remoteRequest{Method: "ephemeral_register", Path: path, NodeID: c.id, Value: value})
	return err
}

// Watch implements Store. Unlike the other methods it holds a dedicated
// connection open for the life of the subscription: the coordinator
// pushes one remoteResponse per change rather than the client polling.
func (c *RemoteClient) Watch(ctx context.Context, path string, cb WatchCallback) (func(), error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(conn).Encode(remoteRequest{Method: "watch", Path: path}); err != nil {
		conn.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		dec := json.NewDecoder(bufio.NewReader(conn))
		for {
			var resp remoteResponse
			if err := dec.Decode(&resp); err != nil {
				return
			}
			if resp.Event != nil {
				cb(*resp.Event)
			}
		}
	}()

	cancel := func() {
		conn.Close()
		close(done)
	}
	c.mu.Lock()
	c.watchCancels = append(c.watchCancels, cancel)
	c.mu.Unlock()
	return cancel, nil
}

// OnSessionEvent implements Store. A RemoteClient has no Raft session of
// its own to lose — its liveness is the ephemeral key the agent refreshes
// — so there is nothing to push through this callback today; it is kept
// so callers written against the Store interface compile unchanged
// against either implementation.
func (c *RemoteClient) OnSessionEvent(cb func(SessionEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCbs = append(c.sessionCbs, cb)
}

// Close implements Store, tearing down any outstanding Watch connections.
func (c *RemoteClient) Close() error {
	c.mu.Lock()
	cancels := append([]func(){}, c.watchCancels...)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Join asks the node listening at c.addr (expected to be the current Raft
// leader) to add nodeID@raftAddr as a voter, the one remote call a
// brand-new node needs before it has any other route into the cluster.
func (c *RemoteClient) Join(nodeID, raftAddr string) error {
	_, err := c.roundTrip(context.Background(), remoteRequest{Method: "join", NodeID: nodeID, Addr: raftAddr})
	return err
}
