// Package msgid derives the identifiers used to decide whether a message is
// already archived. A message is identified by its Message-Id header when it
// has a usable one, and otherwise by a digest of a few stable headers.
package msgid

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ID identifies a message within a folder. IDs compare by exact equality.
type ID string

// Namespace marks synthesized IDs. It must never change: archives written by
// earlier runs carry it in their injected Message-Id headers.
const Namespace = "19AF1258-1AAF-44EF-9D9A-731079D6FAD7"

// SynthesisFields are fetched when a message has no usable Message-Id.
var SynthesisFields = []string{"FROM", "TO", "CC", "DATE", "SUBJECT"}

var (
	msgIDRe  = regexp.MustCompile(`(?i)^Message-Id: (.+)`)
	blanksRe = regexp.MustCompile(`\s+`)
)

// FromHeaderBlock extracts the Message-Id from a header block such as the
// result of BODY.PEEK[HEADER.FIELDS (MESSAGE-ID)]. Folded values are joined
// with single spaces. ok is false when the header is missing or the value is
// not an angle-bracketed identifier.
func FromHeaderBlock(block []byte) (ID, bool) {
	header := blanksRe.ReplaceAllString(strings.TrimSpace(string(block)), " ")
	m := msgIDRe.FindStringSubmatch(header)
	if m == nil {
		return "", false
	}
	return FromValue(m[1])
}

// FromValue validates a bare Message-Id header value.
func FromValue(value string) (ID, bool) {
	v := strings.TrimSpace(blanksRe.ReplaceAllString(value, " "))
	if len(v) < 3 || v[0] != '<' || v[len(v)-1] != '>' {
		return "", false
	}
	return ID(v), true
}

// Synthesize builds a stable ID from the raw From/To/Cc/Date/Subject header
// block. Invalid UTF-8 is replaced and line terminators are normalized to
// tabs before hashing.
func Synthesize(block []byte) ID {
	header := replaceInvalid(bytes.TrimSpace(block))
	header = bytes.ReplaceAll(header, []byte("\r\n"), []byte("\t"))
	sum := sha1.Sum(header)
	return ID("<" + Namespace + "." + hex.EncodeToString(sum[:]) + ">")
}

// IsSynthesized reports whether id was produced by Synthesize.
func IsSynthesized(id ID) bool {
	return strings.Contains(string(id), Namespace)
}

// replaceInvalid writes U+FFFD for every maximal ill-formed subsequence, the
// way Unicode recommends, rather than once per run of bad bytes.
func replaceInvalid(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	out := make([]byte, 0, len(b)+8)
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r != utf8.RuneError || size > 1 {
			out = append(out, b[i:i+size]...)
			i += size
			continue
		}
		out = utf8.AppendRune(out, utf8.RuneError)
		i += invalidLen(b[i:])
	}
	return out
}

// invalidLen returns the length of the ill-formed prefix of b: the lead byte
// plus any continuation bytes that were still acceptable for it.
func invalidLen(b []byte) int {
	type span struct{ lo, hi byte }
	cont := span{0x80, 0xBF}
	var want []span
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		want = []span{cont}
	case c == 0xE0:
		want = []span{{0xA0, 0xBF}, cont}
	case c == 0xED:
		want = []span{{0x80, 0x9F}, cont}
	case c >= 0xE1 && c <= 0xEF:
		want = []span{cont, cont}
	case c == 0xF0:
		want = []span{{0x90, 0xBF}, cont, cont}
	case c >= 0xF1 && c <= 0xF3:
		want = []span{cont, cont, cont}
	case c == 0xF4:
		want = []span{{0x80, 0x8F}, cont, cont}
	}
	n := 1
	for _, w := range want {
		if n >= len(b) || b[n] < w.lo || b[n] > w.hi {
			break
		}
		n++
	}
	return n
}
