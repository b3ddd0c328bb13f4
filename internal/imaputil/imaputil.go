package imaputil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/pepperpark/mailmirror/internal/listparse"
)

// ErrFolder marks failures that only affect the currently selected folder.
var ErrFolder = errors.New("folder operation failed")

// ConnError is a failure of the connection itself; the run cannot continue.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *ConnError) Unwrap() error { return e.Err }

// Exit statuses for connection failures.
const (
	ExitDNS      = 3
	ExitSocket   = 4
	ExitProtocol = 5
)

// ExitCode maps a connection failure to the process exit status.
func ExitCode(err error) int {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ExitDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ExitSocket
	}
	var certErr *CertError
	if errors.As(err, &certErr) {
		return ExitSocket
	}
	if isTLSFailure(err) {
		return ExitSocket
	}
	return ExitProtocol
}

// isTLSFailure reports handshake and certificate verification failures.
func isTLSFailure(err error) bool {
	var (
		recErr     tls.RecordHeaderError
		alertErr   tls.AlertError
		verifyErr  *tls.CertificateVerificationError
		unknownErr x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	return errors.As(err, &recErr) || errors.As(err, &alertErr) ||
		errors.As(err, &verifyErr) || errors.As(err, &unknownErr) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr)
}

// CertError reports unreadable client key or certificate files.
type CertError struct {
	KeyFile, CertFile string
	Err               error
}

func (e *CertError) Error() string {
	return fmt.Sprintf("load key %s / certificate chain %s: %v", e.KeyFile, e.CertFile, e.Err)
}
func (e *CertError) Unwrap() error { return e.Err }

// Options describes how to reach and log into the server.
type Options struct {
	Host     string
	Port     int
	User     string
	Pass     string
	SSL      bool
	StartTLS bool
	Insecure bool
	KeyFile  string
	CertFile string
	Timeout  time.Duration // bounds the dial and every command
	PeekAll  bool          // fetch bodies with BODY.PEEK[] (iCloud) instead of BODY[]
}

// Session is a logged-in connection with at most one command in flight.
type Session struct {
	c       *client.Client
	peekAll bool
}

// DialAndLogin connects and logs into an IMAP server.
func DialAndLogin(ctx context.Context, o Options) (*Session, error) {
	addr := net.JoinHostPort(o.Host, fmt.Sprint(o.Port))
	tlsConfig := &tls.Config{ServerName: o.Host, InsecureSkipVerify: o.Insecure}
	if o.KeyFile != "" || o.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, &ConnError{Op: "tls", Err: &CertError{KeyFile: o.KeyFile, CertFile: o.CertFile, Err: err}}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	dialer := &net.Dialer{Timeout: o.Timeout}
	var c *client.Client
	var err error
	if o.SSL {
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, &ConnError{Op: "connect " + addr, Err: err}
	}
	c.Timeout = o.Timeout
	if o.StartTLS && !o.SSL {
		// Plain connection, then upgrade with STARTTLS
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, &ConnError{Op: "starttls", Err: err}
		}
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("MAILMIRROR_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	if err := c.Login(o.User, o.Pass); err != nil {
		_ = c.Logout()
		return nil, &ConnError{Op: "login as " + o.User, Err: err}
	}
	return &Session{c: c, peekAll: o.PeekAll}, nil
}

// Logout ends the session.
func (s *Session) Logout() error { return s.c.Logout() }

// ListRows returns one LIST row per folder in wire form,
// `(<attrs>) "<delim>" "<name>"`.
func (s *Session) ListRows(ctx context.Context) ([]string, error) {
	rows := []string{}
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.c.List("", "*", ch)
		close(done)
	}()
	for m := range ch {
		if m != nil {
			rows = append(rows, listRow(m))
		}
	}
	if err := <-done; err != nil {
		return nil, &ConnError{Op: "list folders", Err: err}
	}
	return rows, nil
}

func listRow(m *imap.MailboxInfo) string {
	delim := "NIL"
	if m.Delimiter != "" {
		delim = listparse.Quote(m.Delimiter)
	}
	return fmt.Sprintf(`(%s) %s %s`, strings.Join(m.Attributes, " "), delim, listparse.Quote(m.Name))
}

// Select selects a folder read-write; flags are changed when relaying.
func (s *Session) Select(name string) error {
	if _, err := s.c.Select(name, false); err != nil {
		return s.wrap("SELECT "+name, err)
	}
	return nil
}

// Search returns the sequence numbers of all messages, or only the unseen ones.
func (s *Session) Search(unseenOnly bool) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if unseenOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	nums, err := s.c.Search(criteria)
	if err != nil {
		return nil, s.wrap("SEARCH", err)
	}
	return nums, nil
}

// FetchHeaderFields returns the raw header lines named by fields without
// setting \Seen.
func (s *Session) FetchHeaderFields(seq uint32, fields ...string) ([]byte, error) {
	item := imap.FetchItem("BODY.PEEK[HEADER.FIELDS (" + strings.Join(fields, " ") + ")]")
	return s.fetchOne(seq, item)
}

// FetchMessage returns the full message. BODY[] sets \Seen like RFC822 does;
// iCloud needs BODY.PEEK[].
func (s *Session) FetchMessage(seq uint32) ([]byte, error) {
	item := imap.FetchItem("BODY[]")
	if s.peekAll {
		item = "BODY.PEEK[]"
	}
	return s.fetchOne(seq, item)
}

// PeekMessage returns the full message without setting \Seen.
func (s *Session) PeekMessage(seq uint32) ([]byte, error) {
	return s.fetchOne(seq, "BODY.PEEK[]")
}

func (s *Session) fetchOne(seq uint32, item imap.FetchItem) ([]byte, error) {
	set := new(imap.SeqSet)
	set.AddNum(seq)
	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.c.Fetch(set, []imap.FetchItem{item}, ch)
	}()
	var body []byte
	var readErr error
	for msg := range ch {
		if msg == nil {
			continue
		}
		// Only one section was requested; take whatever the server labelled it.
		for _, lit := range msg.Body {
			if lit == nil || body != nil {
				continue
			}
			body, readErr = io.ReadAll(lit)
		}
	}
	if err := <-done; err != nil {
		return nil, s.wrap(fmt.Sprintf("FETCH %d %s", seq, item), err)
	}
	if readErr != nil {
		return nil, s.wrap(fmt.Sprintf("FETCH %d %s", seq, item), readErr)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: FETCH %d %s: no data returned", ErrFolder, seq, item)
	}
	return body, nil
}

// SetSeen adds or removes \Seen on one message.
func (s *Session) SetSeen(seq uint32, seen bool) error {
	set := new(imap.SeqSet)
	set.AddNum(seq)
	var op imap.FlagsOp = imap.RemoveFlags
	if seen {
		op = imap.AddFlags
	}
	if err := s.c.Store(set, imap.FormatFlagsOp(op, true), []interface{}{imap.SeenFlag}, nil); err != nil {
		return s.wrap(fmt.Sprintf("STORE %d", seq), err)
	}
	return nil
}

// wrap classifies err: the connection is gone when the client dropped to
// the logout state or the socket timed out; otherwise only the folder failed.
func (s *Session) wrap(op string, err error) error {
	var netErr net.Error
	if s.c.State() == imap.LogoutState || errors.As(err, &netErr) {
		return &ConnError{Op: op, Err: err}
	}
	return fmt.Errorf("%w: %s: %v", ErrFolder, op, err)
}
