package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/pepperpark/mailmirror/internal/archive"
	"github.com/pepperpark/mailmirror/internal/folders"
	"github.com/pepperpark/mailmirror/internal/imaputil"
	"github.com/pepperpark/mailmirror/internal/msgid"
	"github.com/pepperpark/mailmirror/internal/reconcile"
	"github.com/pepperpark/mailmirror/internal/relay"
	"github.com/pepperpark/mailmirror/internal/state"
)

// Session is the remote side of a run. Implementations run one command at a
// time; errors wrapping *imaputil.ConnError end the run, all others only
// skip the current folder.
type Session interface {
	Select(name string) error
	Search(unseenOnly bool) ([]uint32, error)
	FetchHeaderFields(seq uint32, fields ...string) ([]byte, error)
	FetchMessage(seq uint32) ([]byte, error)
	PeekMessage(seq uint32) ([]byte, error)
	SetSeen(seq uint32, seen bool) error
	Logout() error
}

type Options struct {
	BaseDir    string
	Overwrite  bool // replace archives instead of appending
	Quoting    archive.Quoting
	UnseenOnly bool
	// With RelayTo set, new messages go to Transport instead of the archive.
	RelayTo   string
	Transport relay.Transport
	BatchSize int
	Pause     time.Duration
}

// ScanResult is the outcome of scanning one remote folder: either an index
// or the reason the folder is skipped.
type ScanResult struct {
	Index *reconcile.RemoteIndex
	Skip  error
}

type MailboxSyncer struct {
	sess   Session
	st     *state.State
	opts   Options
	log    *zap.SugaredLogger
	events chan Event
	now    func() time.Time
}

func NewMailboxSyncer(sess Session, st *state.State, opts Options, log *zap.SugaredLogger) *MailboxSyncer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if st == nil {
		st = &state.State{}
	}
	return &MailboxSyncer{sess: sess, st: st, opts: opts, log: log, events: make(chan Event, 128), now: time.Now}
}

// SyncAll processes the plan folder by folder. Skipped folders are returned
// as errs; fatal is set when the connection failed and the run stopped.
func (m *MailboxSyncer) SyncAll(ctx context.Context, plan []folders.Descriptor) (errs []error, fatal error) {
	defer close(m.events)
	done := make(chan struct{})
	defer close(done)
	// On cancel, force-close the session to unblock I/O
	go func() {
		select {
		case <-ctx.Done():
			_ = m.sess.Logout()
		case <-done:
		}
	}()
	for _, d := range plan {
		if err := ctx.Err(); err != nil {
			return errs, err
		}
		if err := m.syncMailbox(ctx, d); err != nil {
			if isFatal(err) {
				return errs, err
			}
			errs = append(errs, fmt.Errorf("%s: %w", d.Remote, err))
		}
	}
	return errs, nil
}

// ScanFolder selects the folder and indexes its messages by identity. Only
// connection failures are returned as err.
func (m *MailboxSyncer) ScanFolder(name string) (ScanResult, error) {
	if err := m.sess.Select(name); err != nil {
		return skipOrFail(err)
	}
	nums, err := m.sess.Search(m.opts.UnseenOnly)
	if err != nil {
		return skipOrFail(err)
	}
	idx := reconcile.NewRemoteIndex()
	for i, seq := range nums {
		block, err := m.sess.FetchHeaderFields(seq, "MESSAGE-ID")
		if err != nil {
			return skipOrFail(err)
		}
		id, ok := msgid.FromHeaderBlock(block)
		if !ok {
			// Usually Sent, Drafts and similar folders.
			block, err = m.sess.FetchHeaderFields(seq, msgid.SynthesisFields...)
			if err != nil {
				return skipOrFail(err)
			}
			id = msgid.Synthesize(block)
		}
		if !idx.Add(id, seq) {
			m.log.Debugw("duplicate message id", "folder", name, "id", id, "seq", seq)
		}
		m.emit(Event{Type: EventMailboxProgress, Mailbox: name, Phase: PhaseScan, Total: len(nums), Done: i + 1})
	}
	return ScanResult{Index: idx}, nil
}

func skipOrFail(err error) (ScanResult, error) {
	var connErr *imaputil.ConnError
	if errors.As(err, &connErr) {
		return ScanResult{}, err
	}
	return ScanResult{Skip: err}, nil
}

func (m *MailboxSyncer) syncMailbox(ctx context.Context, d folders.Descriptor) error {
	name := d.Remote
	run := state.FolderRun{LastRun: m.now()}
	m.log.Debugw("folder start", "folder", name, "archive", d.Local)
	m.emit(Event{Type: EventMailboxStart, Mailbox: name})

	skip := func(err error) error {
		m.log.Warnw("skipping folder", "folder", name, "error", err)
		run.Skipped = err.Error()
		m.st.Record(name, run)
		m.emit(Event{Type: EventMailboxSkipped, Mailbox: name, Err: err})
		return err
	}

	scan, err := m.ScanFolder(name)
	if err != nil {
		return err
	}
	if scan.Skip != nil {
		return skip(scan.Skip)
	}
	run.Remote = scan.Index.Len()

	path := filepath.Join(m.opts.BaseDir, d.Local)
	local := reconcile.LocalIndex{}
	if !m.opts.Overwrite {
		res, err := archive.Scan(path, m.log)
		if err != nil {
			return skip(err)
		}
		local = res.Index
		m.log.Debugw("archive scanned", "folder", name, "path", path, "messages", res.Messages, "indexed", len(local))
	}

	fresh := reconcile.Reconcile(scan.Index, local)
	run.New = len(fresh)
	m.log.Infow("folder scanned", "folder", name, "remote", run.Remote, "archived", len(local), "new", run.New)

	var largest int
	if m.opts.RelayTo != "" {
		res, err := m.resend(ctx, name, fresh)
		run.Done, run.Failed, run.Bytes, largest = res.Sent, res.Failed, int64(res.Bytes), res.Largest
		if err != nil {
			if isFatal(err) {
				return err
			}
			return skip(err)
		}
	} else {
		n, size, big, err := m.download(ctx, name, path, fresh)
		run.Done, run.Bytes, largest = n, size, big
		if err != nil {
			if isFatal(err) {
				return err
			}
			return skip(err)
		}
	}

	m.st.Record(name, run)
	if run.New > 0 {
		m.log.Infow("folder done", "folder", name, "messages", run.Done, "failed", run.Failed,
			"total", humanize.Bytes(uint64(run.Bytes)), "largest", humanize.Bytes(uint64(largest)))
	}
	m.emit(Event{Type: EventMailboxDone, Mailbox: name, Total: run.New, Done: run.Done})
	return nil
}

func isFatal(err error) bool {
	var connErr *imaputil.ConnError
	return errors.As(err, &connErr) || errors.Is(err, context.Canceled)
}

// download appends every new message to the archive at path.
func (m *MailboxSyncer) download(ctx context.Context, name, path string, fresh []reconcile.Entry) (n int, size int64, largest int, err error) {
	f, err := archive.Open(path, m.opts.Overwrite)
	if err != nil {
		return 0, 0, 0, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
	}()
	w := archive.NewWriter(f, m.opts.Quoting)
	for _, e := range fresh {
		if err := ctx.Err(); err != nil {
			return n, size, largest, err
		}
		raw, err := m.sess.FetchMessage(e.Seq)
		if err != nil {
			return n, size, largest, err
		}
		written, err := w.Append(e.ID, raw)
		if err != nil {
			return n, size, largest, fmt.Errorf("write archive: %w", err)
		}
		n++
		size += int64(written)
		if written > largest {
			largest = written
		}
		m.emit(Event{Type: EventMailboxProgress, Mailbox: name, Phase: PhaseFetch, Total: len(fresh), Done: n})
	}
	return n, size, largest, nil
}

func (m *MailboxSyncer) resend(ctx context.Context, name string, fresh []reconcile.Entry) (relay.Result, error) {
	d := relay.NewDispatcher(m.sess, m.opts.Transport, relay.Options{
		To:        m.opts.RelayTo,
		BatchSize: m.opts.BatchSize,
		Pause:     m.opts.Pause,
	}, m.log.With("folder", name))
	d.Progress = func(done int) {
		m.emit(Event{Type: EventMailboxProgress, Mailbox: name, Phase: PhaseRelay, Total: len(fresh), Done: done})
	}
	return d.Dispatch(ctx, fresh)
}

// Events returns a read-only channel of progress events.
func (m *MailboxSyncer) Events() <-chan Event { return m.events }

func (m *MailboxSyncer) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		// drop if slow consumer
	}
}
