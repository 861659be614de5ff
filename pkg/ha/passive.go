package ha

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
)

// ConsulOptions configures a ConsulBackend.
type ConsulOptions struct {
	ClusterName string
	Host        string
	Port        int
	TLS         *tls.Config
}

// clusterDocument is the subset of stolon's clusterdata document this
// watcher cares about.
type clusterDocument struct {
	Cluster struct {
		Status struct {
			Master string `json:"master"`
			Phase  string `json:"phase"`
		} `json:"status"`
	} `json:"cluster"`
	DBs map[string]struct {
		Status struct {
			Healthy       bool   `json:"healthy"`
			ListenAddress string `json:"listenAddress"`
			Port          int    `json:"port"`
		} `json:"status"`
	} `json:"dbs"`
}

type kvEntry struct {
	ModifyIndex int64  `json:"ModifyIndex"`
	Value       string `json:"Value"` // base64-encoded cluster document
}

// minReconnectBackoff and maxReconnectBackoff bound the exponential
// backoff watchLoop applies between consecutive poll failures.
const (
	minReconnectBackoff = 100 * time.Millisecond
	maxReconnectBackoff = 5 * time.Second
)

// ConsulBackend is a passive HA watcher: it long-polls a consul KV
// endpoint holding a stolon cluster-status document and notifies its
// ClusterProtocol the moment the reported master address changes.
type ConsulBackend struct {
	opts       ConsulOptions
	httpClient *http.Client

	mu           sync.Mutex
	watching     bool
	protocol     ClusterProtocol
	masterHost   string
	masterPort   int
	hasMaster    bool
	waiters      []chan error
	cancelWatch  context.CancelFunc
	lastModified int64
}

// NewConsulBackend creates a watcher for the given cluster name.
func NewConsulBackend(opts ConsulOptions) *ConsulBackend {
	transport := &http.Transport{TLSClientConfig: opts.TLS}
	return &ConsulBackend{
		opts:         opts,
		httpClient:   &http.Client{Transport: transport},
		lastModified: -1,
	}
}

// GetClusterConsensus blocks until a master address is known, starting
// the watch itself if nothing else has. Returns ctx.Err() if ctx is
// done first.
func (c *ConsulBackend) GetClusterConsensus(ctx context.Context) (string, int, error) {
	c.mu.Lock()
	if c.hasMaster {
		host, port := c.masterHost, c.masterPort
		c.mu.Unlock()
		return host, port, nil
	}
	ch := make(chan error, 1)
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	startedByUs, err := c.StartWatching(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	if startedByUs {
		defer c.StopWatching()
	}

	select {
	case err := <-ch:
		if err != nil {
			return "", 0, err
		}
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterHost, c.masterPort, nil
}

// StartWatching begins the long-poll loop in the background. Returns
// false without error if a watch is already running.
func (c *ConsulBackend) StartWatching(ctx context.Context, protocol ClusterProtocol) (bool, error) {
	c.mu.Lock()
	if protocol != nil {
		c.protocol = protocol
	}
	if c.watching {
		c.mu.Unlock()
		return false, nil
	}
	c.watching = true
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelWatch = cancel
	c.mu.Unlock()

	go c.watchLoop(watchCtx)
	return true, nil
}

// StopWatching cancels the background long-poll loop.
func (c *ConsulBackend) StopWatching() {
	c.mu.Lock()
	c.watching = false
	c.protocol = nil
	cancel := c.cancelWatch
	c.cancelWatch = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// MasterAddr returns the last known master address.
func (c *ConsulBackend) MasterAddr() (string, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterHost, c.masterPort, c.hasMaster
}

// watchLoop long-polls the consul KV endpoint, blocking via consul's
// own wait=0s&index=N semantics (the HTTP round trip itself doesn't
// return until the key changes, or consul's server-side poll timeout
// expires) and reconnecting on any transport error until ctx is done.
// Reconnect delay backs off exponentially between minReconnectBackoff
// and maxReconnectBackoff, resetting to the minimum after a successful
// poll; any caller currently blocked in GetClusterConsensus is notified
// of the failure immediately rather than left waiting on a master
// address that may never arrive.
func (c *ConsulBackend) watchLoop(ctx context.Context) {
	backoff := minReconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.pollOnce(ctx)
		if err == nil {
			backoff = minReconnectBackoff
			continue
		}

		c.notifyWaiters(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// notifyWaiters fulfils every pending GetClusterConsensus waiter with
// err and clears the waiter list.
func (c *ConsulBackend) notifyWaiters(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}

func (c *ConsulBackend) pollOnce(ctx context.Context) error {
	uri := fmt.Sprintf("%s://%s:%d/v1/kv/stolon/cluster/%s/clusterdata",
		c.scheme(), c.opts.Host, c.opts.Port, c.opts.ClusterName)

	c.mu.Lock()
	lastModified := c.lastModified
	c.mu.Unlock()
	if lastModified >= 0 {
		uri = fmt.Sprintf("%s?wait=0s&index=%d", uri, lastModified)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ha: consul returned status %d", resp.StatusCode)
	}

	var entries []kvEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	entry := entries[0]

	raw, err := base64.StdEncoding.DecodeString(entry.Value)
	if err != nil {
		return err
	}
	var doc clusterDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}

	c.onClusterData(&doc)

	c.mu.Lock()
	c.lastModified = entry.ModifyIndex
	c.mu.Unlock()
	return nil
}

func (c *ConsulBackend) scheme() string {
	if c.opts.TLS != nil {
		return "https"
	}
	return "http"
}

// onClusterData applies one decoded clusterdata document: find the
// reported master's listen address, and fire a switch-over if it moved.
func (c *ConsulBackend) onClusterData(doc *clusterDocument) {
	masterDB := doc.Cluster.Status.Master
	if masterDB == "" {
		return
	}
	masterStatus, ok := doc.DBs[masterDB]
	if !ok || !masterStatus.Status.Healthy {
		return
	}
	host := masterStatus.Status.ListenAddress
	port := masterStatus.Status.Port
	if host == "" || port == 0 {
		return
	}

	c.mu.Lock()
	changed := !c.hasMaster || host != c.masterHost || port != c.masterPort
	oldHost, oldPort := c.masterHost, c.masterPort
	protocol := c.protocol
	hadMaster := c.hasMaster
	if changed {
		c.masterHost, c.masterPort, c.hasMaster = host, port, true
	}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}

	if changed && hadMaster && protocol != nil {
		protocol.OnSwitchOver(fmt.Sprintf("%s:%d", oldHost, oldPort), fmt.Sprintf("%s:%d", host, port))
	}
}
