// Package relay dispatches accepted expressions to the outbound SMTP
// client, one message per resolved recipient plus an optional archive
// copy, through a bounded worker pool so that a slow or wedged
// upstream can't let queued work grow without limit.
package relay

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dtolnay/mailingset/internal/logging"
	"github.com/dtolnay/mailingset/internal/metrics"
)

// Sender is the injected outbound SMTP client. One call delivers one
// envelope to every listed recipient with the same message bytes,
// matching the "send(server, port, envelope_sender, [recipient],
// message_bytes)" interface the core is handed.
type Sender interface {
	Send(ctx context.Context, server string, port int, envelopeSender string, recipients []string, message []byte) error
}

// Expression is one accepted RCPT TO's resolved delivery job: the
// recipients it expanded to and the message already rewritten for
// that particular expression's Subject tag and List-Id.
type Expression struct {
	Recipients []string
	Message    []byte
}

// HandoffError is returned synchronously by Dispatch when the worker
// queue is full; the SMTP layer maps it to a 451 transient reply.
type HandoffError struct {
	Reason string
}

func (e *HandoffError) Error() string { return "relay handoff: " + e.Reason }

// Config names the outbound server and envelope identities the
// dispatcher uses for every job.
type Config struct {
	Server         string
	Port           int
	EnvelopeSender string
	ArchiveAddr    string
}

// Dispatcher owns a bounded pool of worker goroutines draining a
// buffered job queue. Dispatch never blocks: a full queue fails fast
// with HandoffError rather than stalling the SMTP session that's
// still inside DATA.
type Dispatcher struct {
	cfg    Config
	sender Sender
	log    logging.Logger

	jobs chan Expression
	done chan struct{}
}

// NewDispatcher starts workers worker goroutines pulling from a queue
// of the given depth. Call Close to let in-flight jobs drain and stop
// the workers.
func NewDispatcher(cfg Config, sender Sender, log logging.Logger, workers, queueDepth int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = workers
	}
	d := &Dispatcher{
		cfg:    cfg,
		sender: sender,
		log:    log,
		jobs:   make(chan Expression, queueDepth),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	for {
		select {
		case job, ok := <-d.jobs:
			if !ok {
				return
			}
			d.sendOne(job)
		case <-d.done:
			for {
				select {
				case job := <-d.jobs:
					d.sendOne(job)
				default:
					return
				}
			}
		}
	}
}

// Dispatch enqueues every accepted expression from one message's
// session. It is non-blocking: if the queue has no room, it returns a
// HandoffError immediately rather than stalling the caller.
func (d *Dispatcher) Dispatch(exprs []Expression) error {
	select {
	case <-d.done:
		return &HandoffError{Reason: "dispatcher closed"}
	default:
	}
	for _, e := range exprs {
		select {
		case d.jobs <- e:
		default:
			return &HandoffError{Reason: fmt.Sprintf("queue full (depth %d)", cap(d.jobs))}
		}
	}
	return nil
}

// sendOne delivers one message per recipient and, if configured, an
// archive copy, concurrently: each send's success or failure is
// independent of the others'.
func (d *Dispatcher) sendOne(job Expression) {
	ctx := context.Background()
	var g errgroup.Group

	for _, rcpt := range job.Recipients {
		rcpt := rcpt
		g.Go(func() error {
			return d.sender.Send(ctx, d.cfg.Server, d.cfg.Port, d.cfg.EnvelopeSender, []string{rcpt}, job.Message)
		})
	}

	if d.cfg.ArchiveAddr != "" {
		g.Go(func() error {
			return d.sender.Send(ctx, d.cfg.Server, d.cfg.Port, d.cfg.EnvelopeSender, []string{d.cfg.ArchiveAddr}, job.Message)
		})
	}

	if err := g.Wait(); err != nil {
		metrics.RelayFailed.Inc()
		d.log.Error("relay delivery failed", err, "recipients", job.Recipients)
		return
	}
	metrics.RelayDelivered.Inc()
	d.log.DebugMsg("relay delivered", "recipients", job.Recipients)
}

// Close stops accepting new work. Jobs already queued continue to
// drain; it does not wait for them to finish.
func (d *Dispatcher) Close() {
	close(d.done)
}
