package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"

	"github.com/emersion/go-mbox"
	"go.uber.org/zap"

	"github.com/pepperpark/mailmirror/internal/msgid"
	"github.com/pepperpark/mailmirror/internal/reconcile"
)

// ScanResult is what Scan learned about an existing archive.
type ScanResult struct {
	Index    reconcile.LocalIndex
	Messages int // entries read, indexed or not
}

// Scan reads the Message-Id of every message in the archive at path. A
// missing archive yields an empty index. Messages whose Message-Id is
// missing or malformed are logged and left out of the index.
func Scan(path string, log *zap.SugaredLogger) (ScanResult, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	res := ScanResult{Index: reconcile.LocalIndex{}}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debugw("archive not found", "path", path)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	r := mbox.NewReader(f)
	for i := 0; ; i++ {
		mr, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read archive %s: %w", path, err)
		}
		res.Messages++
		raw, err := io.ReadAll(mr)
		if err != nil {
			return res, fmt.Errorf("read archive %s: %w", path, err)
		}
		id, ok := messageID(raw)
		if !ok {
			log.Warnw("message has no usable Message-Id header", "path", path, "message", i)
			continue
		}
		res.Index.Add(id)
	}
	return res, nil
}

// messageID returns the Message-Id of a stored message. Header blocks that
// net/mail rejects are searched line by line, so one broken header does not
// hide an otherwise valid Message-Id.
func messageID(raw []byte) (msgid.ID, bool) {
	if msg, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
		if v := msg.Header.Get("Message-Id"); v != "" {
			return msgid.FromValue(v)
		}
		return "", false
	}
	return msgid.FromHeaderBlock(headerField(raw, "Message-Id"))
}

// headerField returns the named field from the header block of raw,
// continuation lines included, or nil.
func headerField(raw []byte, name string) []byte {
	var field []byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			break
		}
		if field != nil {
			if line[0] != ' ' && line[0] != '\t' {
				break
			}
			field = append(append(field, '\n'), line...)
			continue
		}
		if k, _, ok := bytes.Cut(line, []byte(":")); ok && strings.EqualFold(string(k), name) {
			field = append([]byte(nil), line...)
		}
	}
	return field
}
