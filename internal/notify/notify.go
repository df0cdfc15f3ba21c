// Package notify defines outbound message delivery. Deliverers never return
// errors: failures are logged and reported as ok=false so callers can
// re-buffer without branching on transport details.
package notify

import (
	"context"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

// Message is one outbound notification.
type Message struct {
	Channel   string
	Recipient string
	Subject   string
	Body      string
	Critical  bool
}

// Deliverer sends a message and returns a transport id on success.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) (id string, ok bool)
}

// DelivererFunc adapts a plain function to Deliverer.
type DelivererFunc func(ctx context.Context, msg Message) (string, bool)

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, msg Message) (string, bool) {
	return f(ctx, msg)
}

// Fanout delivers to every target and succeeds if any target did.
type Fanout struct {
	targets []Deliverer
	logger  log.Logger
}

// NewFanout returns a Fanout over targets. Nil targets are dropped.
func NewFanout(logger log.Logger, targets ...Deliverer) *Fanout {
	if logger == nil {
		logger = log.Nop()
	}
	f := &Fanout{logger: logger}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

// Len returns the number of targets.
func (f *Fanout) Len() int { return len(f.targets) }

// Deliver implements Deliverer. The returned id joins the ids of the
// targets that succeeded.
func (f *Fanout) Deliver(ctx context.Context, msg Message) (string, bool) {
	var ids []string
	for _, t := range f.targets {
		id, ok := t.Deliver(ctx, msg)
		if ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		f.logger.Warn(ctx, "delivery failed on all channels", "subject", msg.Subject, "targets", len(f.targets))
		return "", false
	}
	return strings.Join(ids, ","), true
}

// LogDeliverer writes messages to the log. It stands in when no delivery
// channel is configured so alerts are still visible.
type LogDeliverer struct {
	Logger log.Logger
}

// Deliver implements Deliverer.
func (d LogDeliverer) Deliver(ctx context.Context, msg Message) (string, bool) {
	L := d.Logger
	if L == nil {
		L = log.Nop()
	}
	L.Info(ctx, "notification", "subject", msg.Subject, "critical", msg.Critical, "body", msg.Body)
	return "log", true
}
