package policy

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/jbctechsolutions/prguard/internal/domain/errors"
)

// Limits are the change-size ceilings applied to diffs.
type Limits struct {
	MaxFiles int
	MaxLines int
}

// DefaultLimits returns the built-in ceilings.
func DefaultLimits() Limits {
	return Limits{MaxFiles: 50, MaxLines: 5000}
}

// DiffStats summarises a unified diff.
type DiffStats struct {
	Files      []string
	Insertions int
	Deletions  int
}

// FilesChanged returns the number of files touched.
func (s DiffStats) FilesChanged() int {
	return len(s.Files)
}

// Lines returns the number of changed lines.
func (s DiffStats) Lines() int {
	return s.Insertions + s.Deletions
}

// ParseDiff parses a unified (optionally git-extended) diff.
func ParseDiff(unified string) (DiffStats, error) {
	var stats DiffStats
	if strings.TrimSpace(unified) == "" {
		return stats, nil
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return stats, errors.Wrap(errors.KindInvalidArgument, "cannot parse unified diff", err)
	}
	if len(fileDiffs) == 0 {
		return stats, errors.New(errors.KindInvalidArgument, "input is not a unified diff")
	}

	for _, fd := range fileDiffs {
		stats.Files = append(stats.Files, fileName(fd))
		for _, h := range fd.Hunks {
			for _, line := range strings.Split(string(h.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					stats.Insertions++
				case strings.HasPrefix(line, "-"):
					stats.Deletions++
				}
			}
		}
	}
	return stats, nil
}

func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "b/")
	return strings.TrimPrefix(name, "a/")
}

// Check compares stats against the ceilings. Files are checked before lines.
func (l Limits) Check(stats DiffStats) error {
	if l.MaxFiles > 0 && stats.FilesChanged() > l.MaxFiles {
		e := errors.NewReason(errors.KindLimitExceeded, errors.ReasonFiles,
			fmt.Sprintf("%d files changed, limit is %d", stats.FilesChanged(), l.MaxFiles))
		return errors.WithContext(e, "files_changed", stats.FilesChanged())
	}
	if l.MaxLines > 0 && stats.Lines() > l.MaxLines {
		e := errors.NewReason(errors.KindLimitExceeded, errors.ReasonLines,
			fmt.Sprintf("%d lines changed, limit is %d", stats.Lines(), l.MaxLines))
		return errors.WithContext(e, "lines_changed", stats.Lines())
	}
	return nil
}
