// Package notify delivers operator alerts (market resolutions, failed
// rollbacks) to chat webhooks. Alerts are filtered by event type and
// throttled so that a burst of failures cannot flood a channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, event, title, message string) error
	Name() string
}

// Options tune a Notifier. An empty Events list allows every event.
// PerMinute <= 0 disables throttling; Critical events are never throttled.
type Options struct {
	Events    []string
	PerMinute int
	Critical  []string
}

// Notifier fans an alert out to every sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	critical map[string]bool
	perMin   int
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	return &Notifier{
		senders:  senders,
		events:   set(opts.Events),
		critical: set(opts.Critical),
		perMin:   opts.PerMinute,
		logger:   logger.With(slog.String("component", "notifier")),
		limiters: make(map[string]*rate.Limiter),
	}
}

func set(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, e := range items {
		if e = strings.TrimSpace(e); e != "" {
			out[e] = true
		}
	}
	return out
}

// Notify delivers the alert unless its event is filtered out or throttled.
// Sender failures are joined; one failing sender does not stop the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] && !n.critical[event] {
		n.logger.DebugContext(ctx, "notify: event filtered", slog.String("event", event))
		return nil
	}
	if !n.critical[event] && !n.allow(event) {
		n.logger.WarnContext(ctx, "notify: alert throttled", slog.String("event", event), slog.String("title", title))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, event, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent", slog.String("sender", s.Name()), slog.String("event", event))
	}
	return errors.Join(errs...)
}

func (n *Notifier) allow(event string) bool {
	if n.perMin <= 0 {
		return true
	}
	n.mu.Lock()
	l, ok := n.limiters[event]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n.perMin)), n.perMin)
		n.limiters[event] = l
	}
	n.mu.Unlock()
	return l.Allow()
}

var defaultClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
