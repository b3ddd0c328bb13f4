package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/pepperpark/mailmirror/internal/msgid"
)

// Quoting selects how body lines that look like envelope lines are escaped.
type Quoting int

const (
	// QuoteRd prefixes one more '>' to every line matching ^>*From (RFC 4155, mboxrd).
	QuoteRd Quoting = iota
	// QuoteThunderbird prefixes a space to lines starting with "From ".
	QuoteThunderbird
)

var fromRe = regexp.MustCompile(`(?m)^(>*)From `)

// Writer appends messages to an mbox stream. It is not safe for concurrent use.
type Writer struct {
	w       io.Writer
	quoting Quoting
	now     func() time.Time
}

func NewWriter(w io.Writer, quoting Quoting) *Writer {
	return &Writer{w: w, quoting: quoting, now: time.Now}
}

// Append writes one message: the envelope line, a Message-Id header when id
// was synthesized, the normalized and quoted message, and a blank line.
// It returns the size of the message text written.
func (w *Writer) Append(id msgid.ID, raw []byte) (int, error) {
	// RFC 4155 wants the ctime(3) date format, which uses English names.
	head := "From nobody " + w.now().Format(time.ANSIC) + "\n"
	if msgid.IsSynthesized(id) {
		head += "Message-Id: " + string(id) + "\n"
	}
	if _, err := io.WriteString(w.w, head); err != nil {
		return 0, err
	}
	text := Quote(Normalize(raw), w.quoting)
	if _, err := w.w.Write(text); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(w.w, "\n\n"); err != nil {
		return 0, err
	}
	return len(text), nil
}

// Normalize trims surrounding whitespace and drops every carriage return.
func Normalize(raw []byte) []byte {
	return bytes.ReplaceAll(bytes.TrimSpace(raw), []byte("\r"), nil)
}

// Quote escapes lines that a reader would take for envelope lines.
func Quote(text []byte, quoting Quoting) []byte {
	if quoting == QuoteThunderbird {
		out := bytes.ReplaceAll(text, []byte("\nFrom "), []byte("\n From "))
		if bytes.HasPrefix(out, []byte("From ")) {
			out = append([]byte(" "), out...)
		}
		return out
	}
	return fromRe.ReplaceAll(text, []byte(">${1}From "))
}

// Open opens the archive at path for appending, creating it if needed. With
// overwrite set an existing archive is removed first.
func Open(path string, overwrite bool) (*os.File, error) {
	if overwrite {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove archive: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return f, nil
}
