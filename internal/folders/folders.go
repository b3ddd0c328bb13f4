package folders

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pepperpark/mailmirror/internal/listparse"
)

// Mode selects the local naming convention.
type Mode int

const (
	// ModeFlat maps "a/b" to "a.b.mbox".
	ModeFlat Mode = iota
	// ModeThunderbird maps "a/b" to "a.sbd/b", matching Thunderbird's local folders.
	ModeThunderbird
)

const (
	flatSuffix   = ".mbox"
	subdirMarker = ".sbd/"
	inboxRemote  = "INBOX"
	inboxLocalTB = "Inbox"
)

// Descriptor pairs a remote folder with its local archive path.
type Descriptor struct {
	Remote     string
	Delimiter  string
	Local      string
	Attributes listparse.Attributes
}

// LocalPath maps a remote folder name to an archive path relative to the
// mbox directory. Path separators and traversal sequences are passed through.
func LocalPath(remote, delim string, mode Mode) string {
	parts := []string{remote}
	if delim != "" {
		parts = strings.Split(remote, delim)
	}
	if mode == ModeThunderbird {
		name := strings.Join(parts, subdirMarker)
		if strings.HasPrefix(name, inboxRemote) {
			name = inboxLocalTB + strings.TrimPrefix(name, inboxRemote)
		}
		return name
	}
	return strings.Join(parts, ".") + flatSuffix
}

// Plan parses raw LIST rows into descriptors. Rows that fail to parse are
// logged and skipped.
func Plan(rows []string, mode Mode, log *zap.SugaredLogger) []Descriptor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	plan := make([]Descriptor, 0, len(rows))
	for _, row := range rows {
		e, err := listparse.Parse(row)
		if err != nil {
			log.Warnw("skipping folder", "row", row, "error", err)
			continue
		}
		plan = append(plan, Descriptor{
			Remote:     e.Name,
			Delimiter:  e.Delimiter,
			Local:      LocalPath(e.Name, e.Delimiter, mode),
			Attributes: e.Attributes,
		})
	}
	return plan
}

// Filter selects folders by exact remote name. Include and Exclude are
// mutually exclusive; with neither set every folder is kept.
type Filter struct {
	Include []string
	Exclude []string
}

// NewFilter builds a filter. Include names written in Thunderbird form
// ("Inbox/...") are rewritten back to the server's INBOX.
func NewFilter(include, exclude []string, mode Mode) (Filter, error) {
	if len(include) > 0 && len(exclude) > 0 {
		return Filter{}, fmt.Errorf("include and exclude folder lists are mutually exclusive")
	}
	f := Filter{Exclude: trimAll(exclude)}
	for _, name := range trimAll(include) {
		if mode == ModeThunderbird && strings.HasPrefix(name, inboxLocalTB) {
			name = inboxRemote + strings.TrimPrefix(name, inboxLocalTB)
		}
		f.Include = append(f.Include, name)
	}
	return f, nil
}

// Allow reports whether the remote folder should be processed.
func (f Filter) Allow(remote string) bool {
	if len(f.Include) > 0 {
		return contains(f.Include, remote)
	}
	return !contains(f.Exclude, remote)
}

// Apply returns the descriptors allowed by the filter, keeping plan order.
func (f Filter) Apply(plan []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(plan))
	for _, d := range plan {
		if f.Allow(d.Remote) {
			out = append(out, d)
		}
	}
	return out
}

// Prepare creates basedir and every parent directory the plan's archive
// paths need.
func Prepare(basedir string, plan []Descriptor) error {
	if err := os.MkdirAll(basedir, 0o755); err != nil {
		return fmt.Errorf("create mbox dir: %w", err)
	}
	dirs := map[string]struct{}{}
	for _, d := range plan {
		if dir := filepath.Dir(d.Local); dir != "." && dir != "" {
			dirs[dir] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(dirs))
	for dir := range dirs {
		sorted = append(sorted, dir)
	}
	sort.Strings(sorted)
	for _, dir := range sorted {
		if err := os.MkdirAll(filepath.Join(basedir, dir), 0o755); err != nil {
			return fmt.Errorf("create folder dir %s: %w", dir, err)
		}
	}
	return nil
}

// SplitList splits a comma separated folder list.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return trimAll(strings.Split(s, ","))
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
