package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// Change kinds carried by change notifications.
const (
	ChangeTrigger  = "trigger"
	ChangeTopology = "topology"
)

// Change is one `{"kind":"trigger|topology","id":"..."}` notification.
type Change struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// DecodeChange parses change notification body.
func DecodeChange(raw []byte) (Change, error) {
	var change Change
	if err := json.Unmarshal(raw, &change); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	change.Kind = strings.ToLower(strings.TrimSpace(change.Kind))
	switch change.Kind {
	case ChangeTrigger, ChangeTopology:
		return change, nil
	default:
		return Change{}, fmt.Errorf("unsupported change kind %q", change.Kind)
	}
}

// Watcher turns change notifications into coalesced refresh calls.
// Params: refresh callbacks per kind; bursts collapse into one pending refresh per kind.
// Returns: watcher fed by NATS subscription or Notify.
type Watcher struct {
	refresh map[string]func(ctx context.Context) error
	pending map[string]chan struct{}
	logger  *slog.Logger

	nc  *nats.Conn
	sub *nats.Subscription

	wg sync.WaitGroup
}

// NewWatcher creates watcher with trigger and topology refresh callbacks.
func NewWatcher(onTrigger, onTopology func(ctx context.Context) error, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		refresh: map[string]func(ctx context.Context) error{
			ChangeTrigger:  onTrigger,
			ChangeTopology: onTopology,
		},
		pending: map[string]chan struct{}{
			ChangeTrigger:  make(chan struct{}, 1),
			ChangeTopology: make(chan struct{}, 1),
		},
		logger: logger,
	}
}

// Run processes pending refreshes until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	for kind, ch := range w.pending {
		fn := w.refresh[kind]
		if fn == nil {
			continue
		}
		w.wg.Add(1)
		go func(kind string, ch <-chan struct{}, fn func(ctx context.Context) error) {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ch:
					if err := fn(ctx); err != nil {
						w.logger.Error("change-triggered refresh failed", "kind", kind, "error", err.Error())
					}
				}
			}
		}(kind, ch, fn)
	}
	<-ctx.Done()
	w.wg.Wait()
}

// Notify schedules refresh for change; duplicate pending requests are dropped.
func (w *Watcher) Notify(change Change) {
	ch, ok := w.pending[change.Kind]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Subscribe attaches watcher to NATS core subject.
// Params: server URLs and change subject.
// Returns: subscription error.
func (w *Watcher) Subscribe(urls []string, subject string) error {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return fmt.Errorf("connect nats catalog watcher: %w", err)
	}
	sub, err := nc.Subscribe(subject, func(message *nats.Msg) {
		change, err := DecodeChange(message.Data)
		if err != nil {
			w.logger.Warn("catalog change decode failed", "subject", message.Subject, "error", err.Error())
			return
		}
		w.logger.Debug("catalog change received", "kind", change.Kind, "id", change.ID)
		w.Notify(change)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %q: %w", subject, err)
	}
	w.nc = nc
	w.sub = sub
	return nil
}

// Close drains subscription and closes connection.
func (w *Watcher) Close() error {
	if w.nc == nil {
		return nil
	}
	var err error
	if w.sub != nil {
		err = w.sub.Unsubscribe()
	}
	w.nc.Close()
	return err
}
