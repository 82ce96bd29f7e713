// Package notify fans operator alerts out to the configured channels
// (Telegram, Discord). Delivery is asynchronous: callers enqueue and move on,
// a worker goroutine drains the queue, so a slow webhook can never stall the
// trading path.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a message with a title and body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs, e.g. "telegram".
	Name() string
}

// message is one queued alert.
type message struct {
	title string
	body  string
}

// sendTimeout bounds each delivery attempt.
const sendTimeout = 10 * time.Second

// Notifier queues alerts and delivers them to every sender from a background
// worker. An event filter limits which event types are forwarded; an empty
// filter forwards everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan message
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders. events lists the
// event types to forward; empty means all. Start the worker with Run.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan message, 256),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Run drains the queue until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-n.queue:
			n.deliver(msg)
		}
	}
}

// Notify enqueues an alert when its event type passes the filter. It never
// blocks: if the queue is full the alert is dropped with a log line.
func (n *Notifier) Notify(ctx context.Context, event, title, body string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}

	select {
	case n.queue <- message{title: title, body: body}:
	default:
		n.logger.WarnContext(ctx, "notifier: queue full, alert dropped",
			slog.String("event", event),
			slog.String("title", title),
		)
	}
	return nil
}

// deliver sends one alert to every channel. Failures are logged per sender;
// one channel failing never blocks the others.
func (n *Notifier) deliver(msg message) {
	for _, s := range n.senders {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.Send(ctx, msg.title, msg.body)
		cancel()
		if err != nil {
			n.logger.Warn("notifier: send failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.Debug("notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.title),
		)
	}
}
