package ha

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
)

// ClusterInfo is the decomposed form of an HA URI such as
// "stolon+consul://127.0.0.1:8500/mycluster".
type ClusterInfo struct {
	Backend string
	Store   string
	Host    string
	Port    int
	Name    string
}

// ParseURI splits an HA URI into backend, store, host, port and cluster
// name, the way a database DSN's scheme can carry a "+driver" suffix.
func ParseURI(uri string) (ClusterInfo, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ClusterInfo{}, fmt.Errorf("ha: invalid uri %q: %w", uri, err)
	}

	backend, store, _ := strings.Cut(parsed.Scheme, "+")

	info := ClusterInfo{
		Backend: backend,
		Store:   store,
		Host:    parsed.Hostname(),
		Name:    strings.TrimPrefix(parsed.Path, "/"),
	}
	if p := parsed.Port(); p != "" {
		fmt.Sscanf(p, "%d", &info.Port)
	}
	return info, nil
}

// NewBackend builds the concrete Backend a parsed HA URI names. Only
// the stolon backend is currently wired up, with consul as its storage
// layer and plain HTTP or HTTPS as its wire protocol.
func NewBackend(uri string) (Backend, error) {
	info, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	if info.Backend != "stolon" {
		return nil, fmt.Errorf("ha: unsupported backend %q", info.Backend)
	}
	if info.Name == "" {
		return nil, fmt.Errorf("ha: stolon requires a cluster name in the uri path")
	}

	storage, wireProtocol, _ := strings.Cut(info.Store, "+")
	if storage != "consul" {
		return nil, fmt.Errorf("ha: unsupported stolon storage %q", storage)
	}
	if wireProtocol != "" && wireProtocol != "http" && wireProtocol != "https" {
		return nil, fmt.Errorf("ha: unsupported wire protocol %q", wireProtocol)
	}

	opts := ConsulOptions{
		ClusterName: info.Name,
		Host:        "127.0.0.1",
		Port:        8500,
	}
	if info.Host != "" {
		opts.Host = info.Host
	}
	if info.Port != 0 {
		opts.Port = info.Port
	}
	if wireProtocol == "https" {
		opts.TLS = &tls.Config{}
	}

	return NewConsulBackend(opts), nil
}
