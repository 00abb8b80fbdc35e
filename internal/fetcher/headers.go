package fetcher

import (
	"math/rand/v2"
	"net/http"
)

// DefaultUserAgents is the rotation pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:141.0) Gecko/20100101 Firefox/141.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36 Edg/139.0.0.0",
}

// DefaultHeaders mirror a desktop browser navigation request. Accept-Encoding
// is left to the transport so compressed bodies are decoded transparently.
var DefaultHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.9",
	"Upgrade-Insecure-Requests": "1",
}

const maxHeaderValueLen = 256

// mergeHeaders layers overrides on top of defaults; keys are canonicalized so
// overrides win regardless of case.
func mergeHeaders(defaults, overrides map[string]string) http.Header {
	h := make(http.Header, len(defaults)+len(overrides))
	for k, v := range defaults {
		h.Set(k, v)
	}
	for k, v := range overrides {
		h.Set(k, v)
	}
	return h
}

type userAgentPool struct {
	agents []string
}

func newUserAgentPool(agents []string) *userAgentPool {
	agents = nonEmpty(agents)
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	return &userAgentPool{agents: agents}
}

func (p *userAgentPool) pick() string {
	return p.agents[rand.IntN(len(p.agents))] //nolint:gosec // fingerprint variety only
}

// TruncateHeaders flattens h to first values capped at a fixed length.
func TruncateHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		v := vs[0]
		if len(v) > maxHeaderValueLen {
			v = v[:maxHeaderValueLen]
		}
		out[k] = v
	}
	return out
}
