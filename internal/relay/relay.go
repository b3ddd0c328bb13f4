package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pepperpark/mailmirror/internal/archive"
	"github.com/pepperpark/mailmirror/internal/reconcile"
)

const (
	DefaultBatchSize = 30
	DefaultPause     = 60 * time.Second
)

// Source is the selected remote folder messages are relayed from.
type Source interface {
	// PeekMessage must leave \Seen alone; Dispatch sets it from the outcome.
	PeekMessage(seq uint32) ([]byte, error)
	FetchHeaderFields(seq uint32, fields ...string) ([]byte, error)
	SetSeen(seq uint32, seen bool) error
}

// Transport delivers one message through a fresh relay session.
type Transport interface {
	Send(from, to string, msg []byte) error
}

type Options struct {
	To        string        // fixed destination address
	BatchSize int           // messages between pauses
	Pause     time.Duration // pause length
}

// Result summarizes one dispatched batch.
type Result struct {
	Sent    int
	Failed  int
	Bytes   int
	Largest int
}

type Dispatcher struct {
	src   Source
	tr    Transport
	opts  Options
	log   *zap.SugaredLogger
	sleep func(ctx context.Context, d time.Duration) error
	// Progress, if set, is called after each message.
	Progress func(done int)
}

func NewDispatcher(src Source, tr Transport, opts Options, log *zap.SugaredLogger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Pause <= 0 {
		opts.Pause = DefaultPause
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{src: src, tr: tr, opts: opts, log: log, sleep: sleepCtx}
}

// Dispatch relays entries in order. A failed delivery marks the source
// message unseen so a later run retries it; a successful one marks it seen.
// Only a failure to read from the source aborts the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, entries []reconcile.Entry) (Result, error) {
	var res Result
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, err := d.src.PeekMessage(e.Seq)
		if err != nil {
			return res, fmt.Errorf("fetch message %d: %w", e.Seq, err)
		}
		fromBlock, err := d.src.FetchHeaderFields(e.Seq, "FROM")
		if err != nil {
			return res, fmt.Errorf("fetch sender of message %d: %w", e.Seq, err)
		}
		text := archive.Normalize(raw)
		from := Sender(fromBlock)

		if err := d.tr.Send(from, d.opts.To, text); err != nil {
			res.Failed++
			d.log.Warnw("relay failed, marking message unseen", "seq", e.Seq, "id", e.ID, "from", from, "error", err)
			if ferr := d.src.SetSeen(e.Seq, false); ferr != nil {
				d.log.Warnw("could not mark message unseen", "seq", e.Seq, "error", ferr)
			}
		} else {
			res.Sent++
			d.log.Debugw("relayed message", "seq", e.Seq, "id", e.ID, "to", d.opts.To)
			if ferr := d.src.SetSeen(e.Seq, true); ferr != nil {
				d.log.Warnw("could not mark message seen", "seq", e.Seq, "error", ferr)
			}
		}
		res.Bytes += len(text)
		if len(text) > res.Largest {
			res.Largest = len(text)
		}
		if d.Progress != nil {
			d.Progress(i + 1)
		}

		if (i+1)%d.opts.BatchSize == 0 {
			d.log.Infow("pausing relay", "after", i+1, "pause", d.opts.Pause)
			if err := d.sleep(ctx, d.opts.Pause); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
