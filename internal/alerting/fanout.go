package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNoChannels is returned when a fan-out has nothing to deliver to.
var ErrNoChannels = errors.New("no notification channels configured")

// Fanout delivers to every channel and succeeds when at least one accepted the message.
type Fanout struct {
	channels []Notifier
	logger   zerolog.Logger
}

// NewFanout wraps the given channels.
func NewFanout(channels []Notifier, logger zerolog.Logger) *Fanout {
	return &Fanout{
		channels: channels,
		logger:   logger.With().Str("component", "alert_fanout").Logger(),
	}
}

// Send implements Notifier.
func (f *Fanout) Send(ctx context.Context, text string) error {
	_, err := f.Deliver(ctx, text)
	return err
}

// Deliver tries every channel and returns the names of those that accepted the message.
func (f *Fanout) Deliver(ctx context.Context, text string) ([]string, error) {
	if len(f.channels) == 0 {
		return nil, ErrNoChannels
	}

	var (
		failures  []string
		delivered []string
	)
	for _, ch := range f.channels {
		if err := ch.Send(ctx, text); err != nil {
			f.logger.Error().Err(err).Str("channel", ch.Name()).Msg("channel delivery failed")
			failures = append(failures, fmt.Sprintf("%s: %v", ch.Name(), err))
			continue
		}
		delivered = append(delivered, ch.Name())
	}

	if len(delivered) == 0 {
		return nil, fmt.Errorf("all %d channel(s) failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return delivered, nil
}

// Name lists the wrapped channels.
func (f *Fanout) Name() string {
	names := make([]string, 0, len(f.channels))
	for _, ch := range f.channels {
		names = append(names, ch.Name())
	}
	return strings.Join(names, ",")
}

// Deliverer is a Notifier that reports which of its channels accepted a message.
type Deliverer interface {
	Deliver(ctx context.Context, text string) ([]string, error)
}

// Deliver sends text through n and returns the accepting channel names.
func Deliver(ctx context.Context, n Notifier, text string) ([]string, error) {
	if d, ok := n.(Deliverer); ok {
		return d.Deliver(ctx, text)
	}
	if err := n.Send(ctx, text); err != nil {
		return nil, err
	}
	return []string{n.Name()}, nil
}

var (
	_ Notifier  = (*Fanout)(nil)
	_ Deliverer = (*Fanout)(nil)
)
