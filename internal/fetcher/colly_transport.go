package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// CollyConfig controls the colly-backed transport.
type CollyConfig struct {
	UseHTTP2     bool
	MaxBodyBytes int
}

// CollyTransport issues attempts with a fresh colly collector over an
// *http.Transport cached per proxy, so sticky proxies reuse connections.
type CollyTransport struct {
	cfg    CollyConfig
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewCollyTransport builds a CollyTransport.
func NewCollyTransport(cfg CollyConfig, logger *zap.Logger) *CollyTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollyTransport{
		cfg:        cfg,
		logger:     logger,
		transports: make(map[string]*http.Transport),
	}
}

// Do performs one GET, following redirects.
func (t *CollyTransport) Do(ctx context.Context, a Attempt) (Reply, error) {
	rt, err := t.roundTripper(a)
	if err != nil {
		return Reply{}, err
	}

	opts := []colly.CollectorOption{colly.AllowURLRevisit(), colly.UserAgent(a.UserAgent)}
	if t.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(t.cfg.MaxBodyBytes))
	}
	collector := colly.NewCollector(opts...)
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(contextRoundTripper{ctx: ctx, next: rt})
	collector.SetRequestTimeout(a.Timeouts.Total())

	var (
		reply    Reply
		replied  bool
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for k, vs := range a.Header {
			r.Headers.Del(k)
			for _, v := range vs {
				r.Headers.Add(k, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		replied = true
		reply = Reply{
			StatusCode: r.StatusCode,
			Header:     r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			FinalURL:   r.Request.URL.String(),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(a.URL)
	}()

	select {
	case <-ctx.Done():
		// The in-flight request carries ctx, so Visit unwinds promptly.
		<-done
		return Reply{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Reply{}, fmt.Errorf("colly fetch canceled: %w", ctxErr)
		}
		if err != nil {
			return Reply{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return Reply{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if !replied {
			return Reply{}, errors.New("colly returned no response")
		}
		return reply, nil
	}
}

// contextRoundTripper binds every request of one attempt, redirects included,
// to the attempt's context.
type contextRoundTripper struct {
	ctx  context.Context
	next http.RoundTripper
}

func (c contextRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.next.RoundTrip(req.WithContext(c.ctx))
	if err != nil {
		return nil, fmt.Errorf("round trip: %w", err)
	}
	return resp, nil
}

// CloseIdle closes idle connections on every cached transport.
func (t *CollyTransport) CloseIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.transports {
		tr.CloseIdleConnections()
	}
}

func (t *CollyTransport) roundTripper(a Attempt) (*http.Transport, error) {
	key := fmt.Sprintf("%s|%s|%s", a.ProxyID, a.Timeouts.Connect, a.Timeouts.Read)
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.transports[key]; ok {
		return tr, nil
	}
	tr, err := newHTTPTransport(a, t.cfg.UseHTTP2)
	if err != nil {
		return nil, err
	}
	t.transports[key] = tr
	return tr, nil
}

func newHTTPTransport(a Attempt, useHTTP2 bool) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   a.Timeouts.Connect,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   a.Timeouts.Connect,
		ResponseHeaderTimeout: a.Timeouts.Read,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
		ExpectContinueTimeout: time.Second,
	}
	if a.Proxy != nil {
		tr.Proxy = http.ProxyURL(a.Proxy)
	}
	if useHTTP2 {
		if _, err := http2.ConfigureTransports(tr); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}
	return tr, nil
}
