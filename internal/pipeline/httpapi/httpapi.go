// Package httpapi implements the plain net/http peer-cluster API that
// lets one cluster send snapshots, backups, and mirror data to another:
// a status probe, VM lookup, Ceph volume inspection, the three-step
// snapshot-receive protocol, and a VM-state nudge. There is no internal
// RPC surface competing for this job in this module, so HTTP is simply
// the transport, grounded on this codebase's existing plain-net/http
// health server rather than its gRPC+mTLS internal API.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fenwick-systems/meridian/internal/cephcli"
	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/log"
	"github.com/fenwick-systems/meridian/internal/pipeline"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
	"github.com/fenwick-systems/meridian/internal/vm"
)

// MinPeerVersion mirrors pipeline.MinPeerVersion; receive requests from a
// peer declaring an older protocol version are rejected outright.
const MinPeerVersion = pipeline.MinPeerVersion

// Server exposes the peer-cluster API surface over plain HTTP, with
// X-Api-Key header authentication.
type Server struct {
	st     store.Store
	ceph   *cephcli.Client
	vmMgr  *vm.Manager
	pipe   *pipeline.Manager
	apiKey string

	mux *http.ServeMux
}

func NewServer(st store.Store, ceph *cephcli.Client, vmMgr *vm.Manager, pipe *pipeline.Manager, apiKey string) *Server {
	s := &Server{st: st, ceph: ceph, vmMgr: vmMgr, pipe: pipe, apiKey: apiKey, mux: http.NewServeMux()}

	s.mux.HandleFunc("/status", s.auth(s.handleStatus))
	s.mux.HandleFunc("/vm/", s.auth(s.handleVMRouter))
	s.mux.HandleFunc("/storage/ceph/volume/", s.auth(s.handleVolumeRouter))

	return s
}

// Start runs the server, blocking until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // snapshot/backup transfer bodies can be large
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-Api-Key") != s.apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// StatusResponse is the /status payload a peer polls before and during a
// transfer to confirm protocol compatibility.
type StatusResponse struct {
	Version    string `json:"version"`
	PrimaryNode string `json:"primary_node,omitempty"`
	Healthy    bool   `json:"healthy"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Version: MinPeerVersion, Healthy: true})
}

func (s *Server) handleVMRouter(w http.ResponseWriter, r *http.Request) {
	// Path shapes under /vm/<name>/...: bare lookup, /state, and the
	// three snapshot/receive/* steps.
	rest := r.URL.Path[len("/vm/"):]
	name, action := splitFirstSegment(rest)

	switch action {
	case "":
		s.handleVMGet(w, r, name)
	case "state":
		s.handleVMState(w, r, name)
	case "snapshot/receive/config":
		s.handleReceiveConfig(w, r, name)
	case "snapshot/receive/block":
		s.handleReceiveBlockRouter(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

// vmResponse adds the remote-visible latest_snapshot field peerclient.VM
// decodes, used by the sending side to pick an incremental base without a
// separate round trip.
type vmResponse struct {
	types.VM
	LatestSnapshot string `json:"latest_snapshot,omitempty"`
}

func (s *Server) handleVMGet(w http.ResponseWriter, r *http.Request, uuid string) {
	v, err := s.vmMgr.Get(r.Context(), uuid)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := vmResponse{VM: v}
	if names, err := s.st.Children(r.Context(), schema.DomainSnapshotsPrefix(uuid)); err == nil && len(names) > 0 {
		resp.LatestSnapshot = names[len(names)-1]
	}
	writeJSON(w, http.StatusOK, resp)
}

type vmStateRequest struct {
	State types.VMState `json:"state"`
}

func (s *Server) handleVMState(w http.ResponseWriter, r *http.Request, uuid string) {
	if r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req vmStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var err error
	switch req.State {
	case types.VMStart:
		err = s.vmMgr.Start(r.Context(), uuid)
	case types.VMShutdown:
		err = s.vmMgr.Shutdown(r.Context(), uuid)
	case types.VMStop:
		err = s.vmMgr.Stop(r.Context(), uuid)
	case types.VMRestart:
		err = s.vmMgr.Restart(r.Context(), uuid)
	default:
		http.Error(w, fmt.Sprintf("unsupported state %q", req.State), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// receiveConfigRequest is the preflight POST that declares what is about
// to be streamed: the manifest plus the sender's protocol version.
type receiveConfigRequest struct {
	PeerVersion string             `json:"peer_version"`
	Manifest    pipeline.Manifest  `json:"manifest"`
	TargetPool  string             `json:"target_pool"`
}

// handleReceiveConfig accepts the preflight POST naming the snapshot being
// sent and, for an incremental, the parent snapshot it chains off
// (source_snapshot=null for a full send).
func (s *Server) handleReceiveConfig(w http.ResponseWriter, r *http.Request, uuid string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Query().Get("snapshot") == "" {
		http.Error(w, "missing snapshot query param", http.StatusBadRequest)
		return
	}
	var req receiveConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.PeerVersion < MinPeerVersion {
		http.Error(w, fmt.Sprintf("peer version %s below minimum %s", req.PeerVersion, MinPeerVersion), http.StatusPreconditionFailed)
		return
	}

	if err := s.pipe.BeginReceive(r.Context(), uuid, req.Manifest, req.TargetPool); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleReceiveBlockRouter dispatches the shared snapshot/receive/block
// path by HTTP method: POST streams a full image, PUT streams one batch of
// framed incremental extents, PATCH finalizes the named volume (§6).
func (s *Server) handleReceiveBlockRouter(w http.ResponseWriter, r *http.Request, uuid string) {
	q := r.URL.Query()
	pool, volume := q.Get("pool"), q.Get("volume")
	if pool == "" || volume == "" {
		http.Error(w, "missing pool/volume query param", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		size, err := strconv.ParseInt(q.Get("size"), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid size query param", http.StatusBadRequest)
			return
		}
		if err := s.pipe.ReceiveFullImage(r.Context(), uuid, pool, volume, size, r.Body); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if err := s.pipe.ReceiveIncrementalBatch(r.Context(), uuid, pool, volume, r.Body); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPatch:
		snapshot := q.Get("snapshot")
		if snapshot == "" {
			http.Error(w, "missing snapshot query param", http.StatusBadRequest)
			return
		}
		if err := s.pipe.FinalizeVolume(r.Context(), uuid, pool, volume, snapshot); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// volumeInfoResponse wraps a volume's size the way the wire protocol
// expects it: an array whose first element carries stats.size.
type volumeInfoResponse struct {
	Stats struct {
		Size int64 `json:"size"`
	} `json:"stats"`
}

func (s *Server) handleVolumeRouter(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/storage/ceph/volume/"):]
	pool, volume := splitFirstSegment(rest)
	if pool == "" || volume == "" {
		http.Error(w, "expected /storage/ceph/volume/<pool>/<volume>", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleVolumeInfo(w, r, pool, volume)
	case http.MethodPut:
		s.handleVolumeEnsure(w, r, pool, volume)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVolumeInfo(w http.ResponseWriter, r *http.Request, pool, volume string) {
	size, err := s.ceph.RBDInfo(r.Context(), pool, volume)
	if err != nil {
		writeError(w, err)
		return
	}
	var resp volumeInfoResponse
	resp.Stats.Size = size
	writeJSON(w, http.StatusOK, []volumeInfoResponse{resp})
}

// handleVolumeEnsure implements the GET-then-create/resize-if-different
// preflight the sending side drives before any image data moves: create
// the volume if it is absent, or resize it if its current size differs
// from new_size.
func (s *Server) handleVolumeEnsure(w http.ResponseWriter, r *http.Request, pool, volume string) {
	q := r.URL.Query()
	newSize, err := strconv.ParseInt(q.Get("new_size"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid new_size query param", http.StatusBadRequest)
		return
	}
	force := q.Get("force") == "true"

	existingSize, err := s.ceph.RBDInfo(r.Context(), pool, volume)
	if errkind.Is(err, errkind.NotFound) {
		if err := s.ceph.RBDCreate(r.Context(), pool, volume, newSize); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if existingSize != newSize {
		if err := s.ceph.RBDResize(r.Context(), pool, volume, newSize, force); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func splitFirstSegment(path string) (first, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Error().Err(err).Msg("httpapi: encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errkind.Is(err, errkind.NotFound):
		status = http.StatusNotFound
	case errkind.Is(err, errkind.Conflict):
		status = http.StatusConflict
	case errkind.Is(err, errkind.Invariant):
		status = http.StatusPreconditionFailed
	case errkind.Is(err, errkind.Transient):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
