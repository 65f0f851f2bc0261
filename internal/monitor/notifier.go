package monitor

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
)

// Button is a titled link attached to an artifact.
type Button struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Notifier delivers artifacts to operators. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, a *Artifact) error
}

// LogNotifier writes artifacts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a *Artifact) error {
	titles := make([]string, len(a.Buttons))
	for i, b := range a.Buttons {
		titles[i] = b.Title
	}
	log.Info().
		Str("trace_id", a.TraceID).
		Str("title", a.Title).
		Strs("symbols", a.Symbols).
		Str("buttons", strings.Join(titles, ",")).
		Int("trades", len(a.Outcomes)).
		Msg("monitor: notification")
	log.Debug().Str("trace_id", a.TraceID).Msg(a.Text)
	return nil
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, a *Artifact) error

func (f NotifierFunc) Notify(ctx context.Context, a *Artifact) error { return f(ctx, a) }

// Notifiers delivers to every member in order and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, a *Artifact) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
