// Package peerclient is the outgoing half of the send-to-remote protocol:
// a thin net/http client that preflights, pushes config/block/finalize
// requests, and nudges VM state on a peer cluster's
// internal/pipeline/httpapi server. Kept separate from that server
// package so the sending side (internal/pipeline) can depend on it
// without pipeline and httpapi importing each other.
package peerclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fenwick-systems/meridian/internal/errkind"
)

// Client talks to one peer cluster's API surface.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Client with the long-read/short-connect timeout split the
// send-to-remote protocol wants: block transfers can run long, but a dead
// peer should fail preflight fast.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 0, // per-request context deadlines govern instead
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
	}
}

// Status is the /status response shape, duplicated here (rather than
// imported from httpapi) to keep this package free of any dependency on
// the server side of the protocol.
type Status struct {
	Version     string `json:"version"`
	PrimaryNode string `json:"primary_node,omitempty"`
	Healthy     bool   `json:"healthy"`
}

// VM is the subset of a remote VM's fields the mirror/send protocol reads
// back to decide preflight eligibility.
type VM struct {
	UUID           string `json:"uuid"`
	Name           string `json:"name"`
	State          string `json:"state"`
	LatestSnapshot string `json:"latest_snapshot,omitempty"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) GetVM(ctx context.Context, uuid string) (VM, error) {
	var out VM
	err := c.do(ctx, http.MethodGet, "/vm/"+uuid, nil, &out)
	return out, err
}

func (c *Client) SetVMState(ctx context.Context, uuid, state string) error {
	body, _ := json.Marshal(map[string]string{"state": state})
	return c.do(ctx, http.MethodPatch, "/vm/"+uuid+"/state", bytes.NewReader(body), nil)
}

type SendConfigRequest struct {
	PeerVersion string      `json:"peer_version"`
	Manifest    interface{} `json:"manifest"`
	TargetPool  string      `json:"target_pool"`
}

// SendConfig pushes the VM's definition ahead of any volume data, naming
// the snapshot being sent and, for an incremental, the parent snapshot it
// chains off (sourceSnapshot == "" for a full send).
func (c *Client) SendConfig(ctx context.Context, uuid, snapshot, sourceSnapshot string, req SendConfigRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("peerclient: encode config: %w", err)
	}
	q := url.Values{"snapshot": {snapshot}}
	if sourceSnapshot != "" {
		q.Set("source_snapshot", sourceSnapshot)
	} else {
		q.Set("source_snapshot", "null")
	}
	return c.do(ctx, http.MethodPost, "/vm/"+uuid+"/snapshot/receive/config?"+q.Encode(), bytes.NewReader(body), nil)
}

// GetVolume checks whether pool/volume already exists on the peer and, if
// so, its current size in bytes, driving EnsureVolume's create-vs-resize
// decision.
func (c *Client) GetVolume(ctx context.Context, pool, volume string) (size int64, exists bool, err error) {
	var out []struct {
		Stats struct {
			Size int64 `json:"size"`
		} `json:"stats"`
	}
	err = c.do(ctx, http.MethodGet, "/storage/ceph/volume/"+pool+"/"+volume, nil, &out)
	if errkind.Is(err, errkind.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(out) == 0 {
		return 0, false, nil
	}
	return out[0].Stats.Size, true, nil
}

// EnsureVolume creates pool/volume on the peer if absent, or resizes it if
// present at a different size, the GET-then-create/resize-if-different-size
// preflight every send performs before any image data moves.
func (c *Client) EnsureVolume(ctx context.Context, pool, volume string, size int64, force bool) error {
	existingSize, exists, err := c.GetVolume(ctx, pool, volume)
	if err != nil {
		return err
	}
	if exists && existingSize == size {
		return nil
	}
	q := url.Values{
		"new_size": {strconv.FormatInt(size, 10)},
		"force":    {strconv.FormatBool(force)},
	}
	path := "/storage/ceph/volume/" + pool + "/" + volume + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("peerclient: build volume ensure request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.WrapTransient("peerclient.EnsureVolume", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errkind.WrapExternal("peerclient.EnsureVolume", fmt.Errorf("peer returned %s", resp.Status))
	}
	return nil
}

// progressReader reports cumulative bytes read to onProgress every time at
// least reportEvery bytes have crossed it since the last report, letting a
// full-image send compute a per-batch MB/s without chunking the POST body
// itself (the wire protocol sends the whole image as one stream).
type progressReader struct {
	r           io.Reader
	reportEvery int64
	read        int64
	sinceReport int64
	onProgress  func(totalRead int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	p.sinceReport += int64(n)
	if p.sinceReport >= p.reportEvery && p.onProgress != nil {
		p.onProgress(p.read)
		p.sinceReport = 0
	}
	return n, err
}

// sendBatchSize is the granularity progress is reported at while streaming
// a full image, matching the 1 GiB batch size internal/pipeline's
// incremental send (incrementalBatchSize) uses (§6, §9: "Progress (MB/s) is computed per
// batch").
const sendBatchSize = 1 << 30

// SendFullImage streams a volume's full image (an rbd export) to the peer
// in one request, as the wire protocol requires; progress is invoked every
// sendBatchSize bytes so callers can feed a Task Worker MB/s update without
// actually fragmenting the HTTP body. Callers should pass a context with a
// deadline sized to the expected transfer, not the short default used for
// control calls.
func (c *Client) SendFullImage(ctx context.Context, uuid, pool, volume, snapshot string, size int64, r io.Reader, progress func(sentBytes int64)) error {
	pr := &progressReader{r: r, reportEvery: sendBatchSize, onProgress: progress}
	q := url.Values{
		"pool":            {pool},
		"volume":          {volume},
		"snapshot":        {snapshot},
		"size":            {strconv.FormatInt(size, 10)},
		"source_snapshot": {"null"},
	}
	path := "/vm/" + uuid + "/snapshot/receive/block?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		return fmt.Errorf("peerclient: build full-image request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.WrapTransient("peerclient.SendFullImage", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errkind.WrapExternal("peerclient.SendFullImage", fmt.Errorf("peer returned %s", resp.Status))
	}
	return nil
}

// IncrementalFrame is one dirty extent of an rbd export-diff, framed on the
// wire as (offset:u64_be || length:u64_be || data).
type IncrementalFrame struct {
	Offset int64
	Data   []byte
}

// writeIncrementalFrame appends one frame's wire encoding to buf.
func writeIncrementalFrame(buf *bytes.Buffer, f IncrementalFrame) {
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(f.Offset))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(f.Data)))
	buf.Write(hdr[:])
	buf.Write(f.Data)
}

// SendIncrementalBatch PUTs one batch of framed incremental extents for
// pool/volume. Called once per batch so the caller can report per-batch
// MB/s progress between calls; the peer appends each batch's frames to the
// same staged diff file until FinalizeVolume is called.
func (c *Client) SendIncrementalBatch(ctx context.Context, uuid, pool, volume string, frames []IncrementalFrame) error {
	var buf bytes.Buffer
	for _, f := range frames {
		writeIncrementalFrame(&buf, f)
	}
	q := url.Values{"pool": {pool}, "volume": {volume}}
	path := "/vm/" + uuid + "/snapshot/receive/block?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("peerclient: build incremental batch request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.WrapTransient("peerclient.SendIncrementalBatch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errkind.WrapExternal("peerclient.SendIncrementalBatch", fmt.Errorf("peer returned %s", resp.Status))
	}
	return nil
}

// FinalizeVolume tells the peer this volume's transfer (full or
// incremental) is complete and may be imported/applied.
func (c *Client) FinalizeVolume(ctx context.Context, uuid, pool, volume, snapshot string) error {
	q := url.Values{"pool": {pool}, "volume": {volume}, "snapshot": {snapshot}}
	return c.do(ctx, http.MethodPatch, "/vm/"+uuid+"/snapshot/receive/block?"+q.Encode(), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("peerclient: build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.WrapTransient(fmt.Sprintf("peerclient.%s", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errkind.NewNotFound("peerclient."+path, path)
	}
	if resp.StatusCode == http.StatusConflict {
		return errkind.NewConflict("peerclient."+path, path)
	}
	if resp.StatusCode >= 300 {
		return errkind.WrapExternal("peerclient."+path, fmt.Errorf("peer returned %s", resp.Status))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("peerclient: decode response: %w", err)
		}
	}
	return nil
}
