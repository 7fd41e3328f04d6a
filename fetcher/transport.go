/***************************************************************
 *
 * Copyright (C) 2026, Chunkproxy Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package fetcher performs upstream chunk fetches for the range proxy.
// It owns transport selection (direct connection, a single upstream
// proxy, or a rotating pool), the per-chunk dedup locks and global fetch
// semaphore, origin metadata resolution, and the standard and racing
// fetch strategies.
package fetcher

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/chunkproxy/chunkproxy/param"
)

// TransportKind identifies how an endpoint reaches the origin.
type TransportKind string

const (
	TransportDirect    TransportKind = "direct"
	TransportHTTPProxy TransportKind = "http"
	TransportSOCKS     TransportKind = "socks"
)

// Endpoint is one upstream path: a proxy from the pool, the single
// configured proxy, or the direct connection. Usage and failure counters
// are runtime state used for selection logging and temporary exclusion.
type Endpoint struct {
	Raw  string
	Kind TransportKind

	client *http.Client

	usage    atomic.Int64
	failures atomic.Int64

	rateMu sync.Mutex
	rate   ewma.MovingAverage
}

// Label returns a short human-readable name for logs.
func (e *Endpoint) Label() string {
	if e.Kind == TransportDirect {
		return "direct"
	}
	if idx := strings.Index(e.Raw, "//"); idx >= 0 {
		return e.Raw[idx+2:]
	}
	return e.Raw
}

// Client returns the endpoint's HTTP client.
func (e *Endpoint) Client() *http.Client {
	return e.client
}

// RecordUse bumps the usage counter and returns its new value.
func (e *Endpoint) RecordUse() int64 {
	return e.usage.Add(1)
}

// RecordFailure bumps the failure counter.
func (e *Endpoint) RecordFailure() {
	e.failures.Add(1)
}

// ResetFailures clears the failure counter. Called once the whole pool
// has been exhausted so no endpoint stays excluded permanently.
func (e *Endpoint) ResetFailures() {
	e.failures.Store(0)
}

// Failures returns the current failure count.
func (e *Endpoint) Failures() int64 {
	return e.failures.Load()
}

// ObserveRate folds a completed transfer into the endpoint's moving
// average throughput estimate (bytes per second).
func (e *Endpoint) ObserveRate(bytes int64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	e.rateMu.Lock()
	defer e.rateMu.Unlock()
	e.rate.Add(float64(bytes) / elapsed.Seconds())
}

// Rate returns the endpoint's estimated throughput in bytes per second.
func (e *Endpoint) Rate() float64 {
	e.rateMu.Lock()
	defer e.rateMu.Unlock()
	return e.rate.Value()
}

func baseTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   20 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       param.Fetch_MaxConnsPerHost.GetInt(),
		MaxIdleConns:          param.Fetch_MaxTotalConns.GetInt(),
		MaxIdleConnsPerHost:   param.Fetch_MaxConnsPerHost.GetInt(),
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   20 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// newEndpoint builds an Endpoint for a proxy URL, or the direct endpoint
// when rawURL is empty. SOCKS proxies get a dedicated dialer from
// golang.org/x/net/proxy; HTTP proxies use the transport's proxy hook.
func newEndpoint(rawURL string) (*Endpoint, error) {
	ep := &Endpoint{Raw: rawURL, rate: ewma.NewMovingAverage()}
	transport := baseTransport()

	if rawURL == "" {
		ep.Kind = TransportDirect
	} else {
		proxyURL, err := url.Parse(rawURL)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid proxy URL %q", rawURL)
		}
		switch {
		case strings.HasPrefix(proxyURL.Scheme, "socks"):
			ep.Kind = TransportSOCKS
			dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to build SOCKS dialer for %q", rawURL)
			}
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		case proxyURL.Scheme == "http" || proxyURL.Scheme == "https":
			ep.Kind = TransportHTTPProxy
			transport.Proxy = http.ProxyURL(proxyURL)
		default:
			return nil, errors.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
		}
	}

	ep.client = &http.Client{
		Transport: transport,
		Timeout:   10 * time.Minute,
	}
	return ep, nil
}

// Pool holds the configured upstream endpoints. The direct endpoint is
// always present and kept separate from the rotating proxy members.
type Pool struct {
	direct  *Endpoint
	single  *Endpoint
	members []*Endpoint
}

// NewPool constructs the endpoint set from configuration: an ordered
// proxy pool takes precedence over a single proxy URL; with neither, all
// traffic goes direct.
func NewPool() (*Pool, error) {
	direct, err := newEndpoint("")
	if err != nil {
		return nil, err
	}
	p := &Pool{direct: direct}

	for _, raw := range param.Fetch_ProxyPool.GetStringSlice() {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ep, err := newEndpoint(raw)
		if err != nil {
			return nil, err
		}
		p.members = append(p.members, ep)
	}
	if len(p.members) > 0 {
		log.Infof("Proxy pool active with %d endpoints", len(p.members))
		return p, nil
	}

	if single := strings.TrimSpace(param.Fetch_ProxyURL.GetString()); single != "" {
		if p.single, err = newEndpoint(single); err != nil {
			return nil, err
		}
		log.Infof("Using single upstream proxy %s", p.single.Label())
	}
	return p, nil
}

// Direct returns the proxy-less endpoint.
func (p *Pool) Direct() *Endpoint {
	return p.direct
}

// Default returns the endpoint for unchunked relay traffic: the single
// configured proxy when one exists, otherwise the direct connection.
func (p *Pool) Default() *Endpoint {
	if p.single != nil {
		return p.single
	}
	return p.direct
}

// Size returns the number of rotating pool members.
func (p *Pool) Size() int {
	return len(p.members)
}

// Members returns the rotating pool endpoints.
func (p *Pool) Members() []*Endpoint {
	return p.members
}

// HasUpstream reports whether any proxy (pool or single) is configured.
func (p *Pool) HasUpstream() bool {
	return len(p.members) > 0 || p.single != nil
}

// CanRace reports whether the racing strategy applies: it needs at least
// two pool members to be worth the extra upstream load.
func (p *Pool) CanRace() bool {
	return len(p.members) >= 2
}

// Select picks the endpoint for a chunk index: pool members rotate by
// index, a single proxy always wins, otherwise direct. Usage is recorded.
func (p *Pool) Select(chunkIndex int64) *Endpoint {
	var ep *Endpoint
	switch {
	case len(p.members) > 0:
		if chunkIndex < 0 {
			chunkIndex = -chunkIndex
		}
		ep = p.members[chunkIndex%int64(len(p.members))]
	case p.single != nil:
		ep = p.single
	default:
		ep = p.direct
	}
	uses := ep.RecordUse()
	log.Debugf("Chunk %d -> %s (uses: %d)", chunkIndex, ep.Label(), uses)
	return ep
}

// Attempts returns how many transport rotations a standard fetch should
// try before giving up: one per pool member, or 2 without a pool.
func (p *Pool) Attempts() int {
	if len(p.members) > 0 {
		return len(p.members)
	}
	return 2
}

// ResetFailures clears every endpoint's failure counter.
func (p *Pool) ResetFailures() {
	for _, ep := range p.members {
		ep.ResetFailures()
	}
	if p.single != nil {
		p.single.ResetFailures()
	}
	p.direct.ResetFailures()
}
