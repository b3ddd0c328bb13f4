package relay

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// SMTPTransport opens one plaintext SMTP session per message.
type SMTPTransport struct {
	Addr      string // host:port
	LocalName string // EHLO name; empty means "localhost"
	Timeout   time.Duration
	Log       *zap.SugaredLogger
}

func (t *SMTPTransport) Send(from, to string, msg []byte) error {
	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.Dial("tcp", t.Addr)
	if err != nil {
		return err
	}
	c := smtp.NewClient(conn)
	if t.Timeout > 0 {
		c.CommandTimeout = t.Timeout
		c.SubmissionTimeout = t.Timeout
	}
	name := t.LocalName
	if name == "" {
		name = "localhost"
	}
	if err := c.Hello(name); err != nil {
		_ = c.Close()
		return err
	}
	sendErr := c.SendMail(from, []string{to}, bytes.NewReader(msg))
	if err := c.Quit(); err != nil && t.Log != nil {
		t.Log.Debugw("relay quit failed (ignored)", "addr", t.Addr, "error", err)
	}
	return sendErr
}

// Sender derives the envelope sender from a "From:" header block. The bare
// address is used when the header parses; otherwise the raw value is decoded
// as ISO-8859-1, the best guess when nothing is known about the charset.
func Sender(block []byte) string {
	block = bytes.TrimSpace(block)
	buf := append(append([]byte(nil), block...), "\r\n\r\n"...)
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf)))
	if err == nil {
		mh := mail.Header{Header: message.Header{Header: h}}
		if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
			return addrs[0].Address
		}
	}
	raw := bytes.TrimPrefix(block, []byte("From: "))
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return strings.TrimSpace(string(s))
}
