package proxypool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
)

// ErrUnsupportedFormat is returned for lines that are neither host:port nor host:port:user:pass.
var ErrUnsupportedFormat = errors.New("unsupported proxy format")

// ParseLine converts one proxy list line into an http proxy URL.
// An empty result with a nil error means the line carries no proxy.
func ParseLine(line string) (string, error) {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", nil
	}
	if _, rest, ok := strings.Cut(s, "://"); ok {
		s = rest
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, line)
		}
		u := url.URL{Scheme: "http", Host: net.JoinHostPort(parts[0], parts[1])}
		return u.String(), nil
	case 4:
		if parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, line)
		}
		u := url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(parts[0], parts[1]),
			User:   url.UserPassword(parts[2], parts[3]),
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, line)
	}
}

// ParseList reads one proxy per line. Unsupported lines are logged and skipped.
func ParseList(r io.Reader, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var proxies []string
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		proxy, err := ParseLine(scanner.Text())
		if err != nil {
			logger.Warn("skipping proxy line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if proxy != "" {
			proxies = append(proxies, proxy)
		}
	}
	if err := scanner.Err(); err != nil {
		return proxies, fmt.Errorf("scan proxy list: %w", err)
	}
	return proxies, nil
}

// LoadFile reads the proxy list at path. A missing or unreadable file yields
// an empty list so the pool reports no capacity instead of failing startup.
func LoadFile(path string, logger *zap.Logger) []string {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		logger.Warn("no proxy file configured")
		return nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		logger.Warn("proxy file unreadable", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer f.Close() //nolint:errcheck // read-only file
	proxies, err := ParseList(f, logger)
	if err != nil {
		logger.Warn("proxy file partially read", zap.String("path", path), zap.Error(err))
	}
	logger.Info("loaded proxies", zap.String("path", path), zap.Int("count", len(proxies)))
	return proxies
}
