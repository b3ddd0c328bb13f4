package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/pepperpark/mailmirror/internal/config"
	"github.com/pepperpark/mailmirror/internal/imaputil"
	"github.com/pepperpark/mailmirror/internal/syncer"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, 0},
		{"usage", fmt.Errorf("%w: no server specified", config.ErrUsage), 2},
		{"dns", &imaputil.ConnError{Op: "connect", Err: &net.DNSError{Err: "no such host", Name: "nx.invalid"}}, 3},
		{"socket", &imaputil.ConnError{Op: "connect", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}, 4},
		{"tls verify", &imaputil.ConnError{Op: "connect", Err: &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}}, 4},
		{"auth", &imaputil.ConnError{Op: "login as me", Err: errors.New("NO [AUTHENTICATIONFAILED]")}, 5},
		{"other", errors.New("disk full"), 1},
		{"cancelled", context.Canceled, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestFlagErrorIsUsage(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--no-such-flag"})
	if err := cmd.Execute(); !errors.Is(err, config.ErrUsage) {
		t.Fatalf("err = %v", err)
	}
}

func TestModelApply(t *testing.T) {
	m := newModel(context.Background(), nil, nil)
	events := []syncer.Event{
		{Type: syncer.EventMailboxStart, Mailbox: "INBOX"},
		{Type: syncer.EventMailboxProgress, Mailbox: "INBOX", Phase: syncer.PhaseScan, Total: 3, Done: 3},
		{Type: syncer.EventMailboxProgress, Mailbox: "INBOX", Phase: syncer.PhaseFetch, Total: 2, Done: 1},
		{Type: syncer.EventMailboxProgress, Mailbox: "INBOX", Phase: syncer.PhaseFetch, Total: 2, Done: 2},
		{Type: syncer.EventMailboxDone, Mailbox: "INBOX", Total: 2, Done: 2},
		{Type: syncer.EventMailboxSkipped, Mailbox: "Junk", Err: errors.New("NO")},
	}
	for _, ev := range events {
		m.apply(ev)
	}
	if m.messages != 2 {
		t.Fatalf("messages = %d, want 2", m.messages)
	}
	if m.boxesDone != 2 || len(m.skipped) != 1 || m.skipped[0] != "Junk" {
		t.Fatalf("boxesDone = %d skipped = %v", m.boxesDone, m.skipped)
	}
	if m.phase != syncer.PhaseFetch || m.total != 2 || m.done != 2 {
		t.Fatalf("phase = %s %d/%d", m.phase, m.done, m.total)
	}
}
