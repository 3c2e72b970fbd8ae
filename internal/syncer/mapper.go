package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/121-Online/IMAP-Sync-CLI/internal/imaputil"
)

// NameRules describe how a source folder path turns into a destination path.
// The default is identity with hierarchy delimiter conversion.
type NameRules struct {
	SourceDelimiter      string
	DestinationDelimiter string
	// Overrides maps exact source paths to destination paths, taking
	// precedence over delimiter translation.
	Overrides map[string]string
}

// FolderMapping pairs one source folder with its destination path. Created
// starts true when the destination folder already exists; the orchestrator
// flips it after a successful create.
type FolderMapping struct {
	Source      imaputil.FolderDescriptor
	Destination string
	Created     bool
}

// FolderMappingError reports two source folders colliding on one destination
// path. It aborts the whole run before any transfer: creating only part of
// the folder tree would leave the destination inconsistent.
type FolderMappingError struct {
	Destination string
	Sources     []string
}

func (e *FolderMappingError) Error() string {
	return fmt.Sprintf("folder mapping is ambiguous: %s and %s both map to %q",
		e.Sources[0], e.Sources[1], e.Destination)
}

// MapFolders computes the destination path for every source folder. The
// mapping is total (every source folder maps) and must be injective; a
// collision returns a FolderMappingError and no mappings.
func MapFolders(src, dst []imaputil.FolderDescriptor, rules NameRules) ([]FolderMapping, error) {
	existing := make(map[string]bool, len(dst))
	for _, d := range dst {
		existing[d.Path] = true
	}

	mappings := make([]FolderMapping, 0, len(src))
	claimed := make(map[string]string, len(src))
	for _, s := range src {
		path := rules.translate(s.Path)
		if prev, ok := claimed[path]; ok {
			srcs := []string{prev, s.Path}
			sort.Strings(srcs)
			return nil, &FolderMappingError{Destination: path, Sources: srcs}
		}
		claimed[path] = s.Path
		mappings = append(mappings, FolderMapping{
			Source:      s,
			Destination: path,
			Created:     existing[path],
		})
	}
	return mappings, nil
}

func (r NameRules) translate(path string) string {
	if to, ok := r.Overrides[path]; ok && to != "" {
		return to
	}
	// INBOX is special-cased by every server; keep its canonical spelling.
	if strings.EqualFold(path, "INBOX") {
		return "INBOX"
	}
	sd, dd := r.SourceDelimiter, r.DestinationDelimiter
	if sd == "" || dd == "" || sd == dd {
		return path
	}
	return strings.Join(strings.Split(path, sd), dd)
}

// EnsureFolder creates the destination folder when the mapping says it is
// missing. Creation is idempotent: racing a prior partial run counts as
// success (the session adapter treats "already exists" that way).
func EnsureFolder(ctx context.Context, dst imaputil.Session, m *FolderMapping) error {
	if m.Created {
		return nil
	}
	if err := dst.CreateFolder(ctx, m.Destination); err != nil {
		return err
	}
	m.Created = true
	return nil
}
