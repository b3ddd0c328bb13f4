package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pepperpark/mailmirror/internal/archive"
	"github.com/pepperpark/mailmirror/internal/folders"
	"github.com/pepperpark/mailmirror/internal/imaputil"
	"github.com/pepperpark/mailmirror/internal/msgid"
	"github.com/pepperpark/mailmirror/internal/state"
)

type fakeMessage struct {
	header string // full header block, CRLF terminated
	body   string
	seen   bool
}

type fakeSession struct {
	folders   map[string][]*fakeMessage
	failSel   map[string]error
	failFrom  error // FetchHeaderFields(seq, "FROM") fails with it
	selected  string
	fetches   []string
	loggedOut bool
}

func (s *fakeSession) Select(name string) error {
	if err := s.failSel[name]; err != nil {
		return err
	}
	if _, ok := s.folders[name]; !ok {
		return fmt.Errorf("%w: SELECT %s: NO no such mailbox", imaputil.ErrFolder, name)
	}
	s.selected = name
	return nil
}

func (s *fakeSession) Search(unseenOnly bool) ([]uint32, error) {
	var out []uint32
	for i, m := range s.folders[s.selected] {
		if unseenOnly && m.seen {
			continue
		}
		out = append(out, uint32(i+1))
	}
	return out, nil
}

func (s *fakeSession) msg(seq uint32) *fakeMessage { return s.folders[s.selected][seq-1] }

func (s *fakeSession) FetchHeaderFields(seq uint32, fields ...string) ([]byte, error) {
	s.fetches = append(s.fetches, fmt.Sprintf("%d %s", seq, strings.Join(fields, " ")))
	if s.failFrom != nil && len(fields) == 1 && fields[0] == "FROM" {
		return nil, s.failFrom
	}
	var out strings.Builder
	for _, line := range strings.Split(s.msg(seq).header, "\r\n") {
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		for _, f := range fields {
			if strings.EqualFold(name, f) {
				out.WriteString(line + "\r\n")
			}
		}
	}
	out.WriteString("\r\n")
	return []byte(out.String()), nil
}

// FetchMessage behaves like BODY[] and sets \Seen.
func (s *fakeSession) FetchMessage(seq uint32) ([]byte, error) {
	m := s.msg(seq)
	m.seen = true
	return []byte(m.header + "\r\n" + m.body), nil
}

func (s *fakeSession) PeekMessage(seq uint32) ([]byte, error) {
	m := s.msg(seq)
	return []byte(m.header + "\r\n" + m.body), nil
}

func (s *fakeSession) SetSeen(seq uint32, seen bool) error {
	s.msg(seq).seen = seen
	return nil
}

func (s *fakeSession) Logout() error {
	s.loggedOut = true
	return nil
}

func inboxSession() *fakeSession {
	return &fakeSession{folders: map[string][]*fakeMessage{
		"INBOX": {
			{header: "Message-Id: <a@x>\r\nFrom: a@example.com\r\nSubject: one\r\n", body: "hello\r\nFrom spoofed\r\n"},
			{header: "From: h@example.com\r\nSubject: H\r\n", body: "no id\r\n"},
		},
	}}
}

func TestSyncArchivesNewMessages(t *testing.T) {
	dir := t.TempDir()
	sess := inboxSession()
	plan := []folders.Descriptor{{Remote: "INBOX", Delimiter: "/", Local: "INBOX.mbox"}}
	st := &state.State{}

	m := NewMailboxSyncer(sess, st, Options{BaseDir: dir}, nil)
	scan, err := m.ScanFolder("INBOX")
	if err != nil || scan.Skip != nil {
		t.Fatalf("scan: %v %v", err, scan.Skip)
	}
	entries := scan.Index.Entries()
	synth := msgid.Synthesize([]byte("From: h@example.com\r\nSubject: H\r\n"))
	if len(entries) != 2 || entries[0].ID != "<a@x>" || entries[1].ID != synth {
		t.Fatalf("entries = %v", entries)
	}

	again, _ := m.ScanFolder("INBOX")
	if !reflect.DeepEqual(again.Index.Entries(), entries) {
		t.Fatalf("rescan differs: %v", again.Index.Entries())
	}

	errs, fatal := m.SyncAll(context.Background(), plan)
	if fatal != nil || len(errs) != 0 {
		t.Fatalf("SyncAll: %v %v", errs, fatal)
	}
	data, err := os.ReadFile(filepath.Join(dir, "INBOX.mbox"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if strings.Count(text, "From nobody ") != 2 {
		t.Fatalf("archive:\n%s", text)
	}
	if !strings.Contains(text, "\nMessage-Id: "+string(synth)+"\n") {
		t.Fatalf("synthesized id not injected:\n%s", text)
	}
	if !strings.Contains(text, "\n>From spoofed\n") {
		t.Fatalf("body not quoted:\n%s", text)
	}
	if got := st.Get("INBOX"); got.Remote != 2 || got.New != 2 || got.Done != 2 {
		t.Fatalf("state = %+v", got)
	}

	// A second run finds everything archived.
	m2 := NewMailboxSyncer(sess, st, Options{BaseDir: dir}, nil)
	if errs, fatal := m2.SyncAll(context.Background(), plan); fatal != nil || len(errs) != 0 {
		t.Fatalf("second SyncAll: %v %v", errs, fatal)
	}
	if got := st.Get("INBOX"); got.New != 0 || got.Total != 2 {
		t.Fatalf("second run state = %+v", got)
	}
}

func TestSyncPartialArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "INBOX.mbox")
	f, err := archive.Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := archive.NewWriter(f, archive.QuoteRd).Append("<a@x>", []byte("Message-Id: <a@x>\r\n\r\nold")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	sess := inboxSession()
	m := NewMailboxSyncer(sess, nil, Options{BaseDir: dir}, nil)
	if _, fatal := m.SyncAll(context.Background(), []folders.Descriptor{{Remote: "INBOX", Local: "INBOX.mbox"}}); fatal != nil {
		t.Fatal(fatal)
	}
	data, _ := os.ReadFile(path)
	if n := strings.Count(string(data), "From nobody "); n != 2 {
		t.Fatalf("archive has %d messages, want 2:\n%s", n, data)
	}
	if strings.Count(string(data), "Message-Id: <a@x>") != 1 {
		t.Fatalf("<a@x> archived twice:\n%s", data)
	}
}

func TestSyncSkipsFailedFolder(t *testing.T) {
	dir := t.TempDir()
	sess := inboxSession()
	plan := []folders.Descriptor{
		{Remote: "Missing", Local: "Missing.mbox"},
		{Remote: "INBOX", Local: "INBOX.mbox"},
	}
	st := &state.State{}
	errs, fatal := NewMailboxSyncer(sess, st, Options{BaseDir: dir}, nil).SyncAll(context.Background(), plan)
	if fatal != nil {
		t.Fatal(fatal)
	}
	if len(errs) != 1 || !errors.Is(errs[0], imaputil.ErrFolder) {
		t.Fatalf("errs = %v", errs)
	}
	if st.Get("Missing").Skipped == "" {
		t.Fatal("skip not recorded")
	}
	if _, err := os.Stat(filepath.Join(dir, "INBOX.mbox")); err != nil {
		t.Fatalf("INBOX not processed after skip: %v", err)
	}
}

func TestSyncStopsOnConnectionError(t *testing.T) {
	sess := inboxSession()
	sess.failSel = map[string]error{"INBOX": &imaputil.ConnError{Op: "SELECT INBOX", Err: errors.New("connection reset")}}
	sess.folders["Other"] = nil
	plan := []folders.Descriptor{{Remote: "INBOX", Local: "INBOX.mbox"}, {Remote: "Other", Local: "Other.mbox"}}
	m := NewMailboxSyncer(sess, nil, Options{BaseDir: t.TempDir()}, nil)
	_, fatal := m.SyncAll(context.Background(), plan)
	var connErr *imaputil.ConnError
	if !errors.As(fatal, &connErr) {
		t.Fatalf("fatal = %v", fatal)
	}
	if sess.selected == "Other" {
		t.Fatal("processing continued after connection failure")
	}
}

type recordingTransport struct{ sent []string }

func (r *recordingTransport) Send(from, to string, msg []byte) error {
	r.sent = append(r.sent, from+" -> "+to)
	return nil
}

func TestSyncRelay(t *testing.T) {
	dir := t.TempDir()
	sess := inboxSession()
	tr := &recordingTransport{}
	m := NewMailboxSyncer(sess, nil, Options{BaseDir: dir, UnseenOnly: true, RelayTo: "backup@example.com", Transport: tr}, nil)
	if _, fatal := m.SyncAll(context.Background(), []folders.Descriptor{{Remote: "INBOX", Local: "INBOX.mbox"}}); fatal != nil {
		t.Fatal(fatal)
	}
	want := []string{"a@example.com -> backup@example.com", "h@example.com -> backup@example.com"}
	if !reflect.DeepEqual(tr.sent, want) {
		t.Fatalf("sent = %v", tr.sent)
	}
	for i, msg := range sess.folders["INBOX"] {
		if !msg.seen {
			t.Errorf("message %d not marked seen", i+1)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "INBOX.mbox")); !os.IsNotExist(err) {
		t.Fatalf("relay mode wrote an archive: %v", err)
	}

	// Everything is seen now, so an unseen-only rescan relays nothing.
	tr.sent = nil
	m = NewMailboxSyncer(sess, nil, Options{BaseDir: dir, UnseenOnly: true, RelayTo: "backup@example.com", Transport: tr}, nil)
	if _, fatal := m.SyncAll(context.Background(), []folders.Descriptor{{Remote: "INBOX", Local: "INBOX.mbox"}}); fatal != nil {
		t.Fatal(fatal)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("relayed again: %v", tr.sent)
	}
}

func TestSyncRelayKeepsUnseenWhenSenderFetchFails(t *testing.T) {
	sess := inboxSession()
	sess.failFrom = fmt.Errorf("%w: FETCH FROM: NO server error", imaputil.ErrFolder)
	tr := &recordingTransport{}
	m := NewMailboxSyncer(sess, nil, Options{BaseDir: t.TempDir(), UnseenOnly: true, RelayTo: "backup@example.com", Transport: tr}, nil)
	errs, fatal := m.SyncAll(context.Background(), []folders.Descriptor{{Remote: "INBOX", Local: "INBOX.mbox"}})
	if fatal != nil {
		t.Fatal(fatal)
	}
	if len(errs) != 1 || !errors.Is(errs[0], imaputil.ErrFolder) {
		t.Fatalf("errs = %v", errs)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("relayed %v", tr.sent)
	}
	for i, msg := range sess.folders["INBOX"] {
		if msg.seen {
			t.Errorf("message %d marked seen without delivery", i+1)
		}
	}
	// The next unseen-only run still finds both messages.
	sess.failFrom = nil
	m = NewMailboxSyncer(sess, nil, Options{BaseDir: t.TempDir(), UnseenOnly: true, RelayTo: "backup@example.com", Transport: tr}, nil)
	if _, fatal := m.SyncAll(context.Background(), []folders.Descriptor{{Remote: "INBOX", Local: "INBOX.mbox"}}); fatal != nil {
		t.Fatal(fatal)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("retry relayed %v", tr.sent)
	}
}
