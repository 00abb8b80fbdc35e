// Package proxypool tracks proxy health and picks the proxy for each fetch
// attempt. Selection is sticky: the same proxy serves consecutive attempts
// until the rotation interval is reached or it stops being available.
package proxypool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// minSamplesForRate is the request count before the success-rate rule applies.
	minSamplesForRate = 5
	// topCandidates bounds the random choice on rotation.
	topCandidates = 3
)

// Config controls rotation and eviction thresholds.
type Config struct {
	MaxRequestsPerProxy int
	Cooldown            time.Duration
	RotationInterval    int
	MinSuccessRate      float64
}

// Proxy is a handle returned by Pick and passed back to Report.
type Proxy struct {
	ID  string
	URL *url.URL
}

// Redacted returns the proxy URL with the password masked.
func (p Proxy) Redacted() string {
	if p.URL == nil {
		return ""
	}
	return p.URL.Redacted()
}

// Outcome is the feedback for one attempt.
type Outcome struct {
	Success bool
	Blocked bool
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total               int    `json:"total"`
	Available           int    `json:"available"`
	Blocked             int    `json:"blocked"`
	Bad                 int    `json:"bad"`
	CurrentProxy        string `json:"current_proxy,omitempty"`
	RequestsWithCurrent int    `json:"requests_with_current"`
	TotalRequests       int64  `json:"total_requests"`
}

type record struct {
	proxy      Proxy
	usage      int
	lastUsedAt time.Time
	total      int
	successful int
}

func (r *record) successRate() float64 {
	if r.total == 0 {
		return 1.0
	}
	return float64(r.successful) / float64(r.total)
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	rng    *rand.Rand

	mu                  sync.Mutex
	records             []*record
	byID                map[string]*record
	bad                 map[string]struct{}
	blocked             map[string]struct{}
	current             *record
	requestsWithCurrent int
	totalRequests       int64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithRand overrides the random source used on rotation.
func WithRand(rng *rand.Rand) Option {
	return func(p *Pool) { p.rng = rng }
}

// New builds a Pool from proxy connection strings. Duplicates collapse.
func New(proxies []string, cfg Config, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if cfg.RotationInterval <= 0 {
		return nil, errors.New("rotation interval must be > 0")
	}
	if cfg.MaxRequestsPerProxy <= 0 {
		return nil, errors.New("max requests per proxy must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // load spreading, not security
		byID:    make(map[string]*record, len(proxies)),
		bad:     make(map[string]struct{}),
		blocked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, raw := range proxies {
		if _, dup := p.byID[raw]; dup {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
		}
		rec := &record{proxy: Proxy{ID: raw, URL: u}}
		p.records = append(p.records, rec)
		p.byID[raw] = rec
	}
	return p, nil
}

// Len returns the number of configured proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Pick returns the proxy for the next attempt, or false when none is available.
func (p *Pool) Pick() (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.availableLocked()
	if len(available) == 0 {
		return Proxy{}, false
	}

	if p.current != nil && p.requestsWithCurrent < p.cfg.RotationInterval && slices.Contains(available, p.current) {
		p.markUsedLocked(p.current)
		return p.current.proxy, true
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].successRate() > available[j].successRate()
	})
	top := available[:min(topCandidates, len(available))]
	chosen := top[p.rng.IntN(len(top))]

	if p.current != chosen {
		p.logger.Debug("rotated sticky proxy",
			zap.String("proxy", chosen.proxy.Redacted()),
			zap.Float64("success_rate", chosen.successRate()),
		)
	}
	p.current = chosen
	p.requestsWithCurrent = 0
	p.markUsedLocked(chosen)
	return chosen.proxy, true
}

// Report records the outcome of an attempt made through proxy.
func (p *Pool) Report(proxy Proxy, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.byID[proxy.ID]
	if !ok {
		return
	}
	rec.total++
	if outcome.Success && !outcome.Blocked {
		rec.successful++
		return
	}
	if outcome.Blocked {
		delete(p.bad, rec.proxy.ID)
		p.blocked[rec.proxy.ID] = struct{}{}
		p.logger.Warn("proxy blocked by target",
			zap.String("proxy", rec.proxy.Redacted()),
			zap.Int("total_requests", rec.total),
		)
		return
	}
	if _, isBlocked := p.blocked[rec.proxy.ID]; isBlocked {
		return
	}
	p.bad[rec.proxy.ID] = struct{}{}
	p.logger.Debug("proxy marked bad", zap.String("proxy", rec.proxy.Redacted()))
}

// Available runs the availability check and returns the number of usable proxies.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.availableLocked())
}

// Stats returns counts for observability.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.availableLocked()
	s := Stats{
		Total:               len(p.records),
		Available:           len(available),
		Blocked:             len(p.blocked),
		Bad:                 len(p.bad),
		RequestsWithCurrent: p.requestsWithCurrent,
		TotalRequests:       p.totalRequests,
	}
	if p.current != nil {
		s.CurrentProxy = p.current.proxy.Redacted()
	}
	return s
}

// SuccessRate returns the success rate for a proxy id, and false if unknown.
func (p *Pool) SuccessRate(id string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byID[id]
	if !ok {
		return 0, false
	}
	return rec.successRate(), true
}

// availableLocked applies every exclusion rule. It moves low success-rate
// proxies into bad and resets usage once the cooldown has elapsed.
func (p *Pool) availableLocked() []*record {
	now := p.now()
	out := make([]*record, 0, len(p.records))
	for _, rec := range p.records {
		id := rec.proxy.ID
		if _, ok := p.blocked[id]; ok {
			continue
		}
		if _, ok := p.bad[id]; ok {
			continue
		}
		if rec.total >= minSamplesForRate && rec.successRate() < p.cfg.MinSuccessRate {
			p.bad[id] = struct{}{}
			p.logger.Info("proxy evicted for low success rate",
				zap.String("proxy", rec.proxy.Redacted()),
				zap.Float64("success_rate", rec.successRate()),
			)
			continue
		}
		if rec.usage > 0 && now.Sub(rec.lastUsedAt) >= p.cfg.Cooldown {
			rec.usage = 0
		}
		if rec.usage >= p.cfg.MaxRequestsPerProxy {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (p *Pool) markUsedLocked(rec *record) {
	rec.usage++
	rec.lastUsedAt = p.now()
	p.requestsWithCurrent++
	p.totalRequests++
}
