// Package readiness waits for a child process to announce the endpoint it
// listens on.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/mcpguard/mcpbridge/internal/logx"
)

const (
	DefaultAttempts = 30
	DefaultInterval = time.Second
	DefaultHost     = "127.0.0.1"
)

// DefaultPattern matches "port 1234", "PORT: 1234", "listening on port=1234".
var DefaultPattern = regexp.MustCompile(`(?i)port\s*[:=\s]*(\d+)`)

var ErrNotReady = errors.New("readiness: child did not announce an endpoint")

// Probe blocks until the child signals that it is ready and returns the
// address to connect to.
type Probe interface {
	Await(ctx context.Context, lines <-chan string) (string, error)
}

// PortProbe scans diagnostic output lines for a port number.
type PortProbe struct {
	Host     string
	Pattern  *regexp.Regexp
	Attempts int
	Interval time.Duration
}

var _ Probe = (*PortProbe)(nil)

func NewPortProbe() *PortProbe {
	return &PortProbe{
		Host:     DefaultHost,
		Pattern:  DefaultPattern,
		Attempts: DefaultAttempts,
		Interval: DefaultInterval,
	}
}

// Await polls lines once per Interval, at most Attempts times. Lines that
// arrive between polls are all examined. The first match in 1..65535 wins.
func (p *PortProbe) Await(ctx context.Context, lines <-chan string) (string, error) {
	pattern := p.Pattern
	if pattern == nil {
		pattern = DefaultPattern
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	host := p.Host
	if host == "" {
		host = DefaultHost
	}
	if lines == nil {
		return "", fmt.Errorf("%w: no diagnostic output captured", ErrNotReady)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logx.Log.With().Str("component", "readiness").Logger()

	for attempt := 1; ; {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return "", fmt.Errorf("%w: diagnostic output closed", ErrNotReady)
			}
			if port, ok := matchPort(pattern, line); ok {
				log.Info().Int("port", port).Int("attempt", attempt).Msg("child announced port")
				return net.JoinHostPort(host, strconv.Itoa(port)), nil
			}
		case <-ticker.C:
			log.Debug().Int("attempt", attempt).Msg("waiting for child port")
			if attempt >= attempts {
				return "", fmt.Errorf("%w after %d attempts", ErrNotReady, attempts)
			}
			attempt++
		}
	}
}

func matchPort(pattern *regexp.Regexp, line string) (int, bool) {
	for _, m := range pattern.FindAllStringSubmatch(line, -1) {
		if len(m) < 2 {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil || port < 1 || port > 65535 {
			continue
		}
		return port, true
	}
	return 0, false
}
