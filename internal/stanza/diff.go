package stanza

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Change classifies a detection between two builds.
type Change string

const (
	Added     Change = "added"
	Removed   Change = "removed"
	Modified  Change = "modified"
	Unchanged Change = "unchanged"
)

// Diff is the comparison result for one detection.
type Diff struct {
	ID             uuid.UUID `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	Change         Change    `json:"change" yaml:"change"`
	PriorVersion   int       `json:"prior_version" yaml:"prior_version"`
	CurrentVersion int       `json:"current_version" yaml:"current_version"`
	BumpRequired   bool      `json:"version_bump_required" yaml:"version_bump_required"`
}

// BumpRequired reports whether cur changed relative to prev without a
// higher version.
func BumpRequired(prev, cur *Stanza) bool {
	return prev.Hash() != cur.Hash() && cur.Metadata.Version <= prev.Metadata.Version
}

// Compare returns one Diff per detection present in either build, current
// build order first, then removed detections in prior order.
func Compare(prior, current *File) []Diff {
	var out []Diff
	for _, cur := range current.Stanzas {
		d := Diff{ID: cur.Metadata.ID, Name: cur.Name, CurrentVersion: cur.Metadata.Version}
		prev, ok := prior.Get(cur.Metadata.ID)
		switch {
		case !ok:
			d.Change = Added
		case prev.Hash() != cur.Hash():
			d.Change = Modified
			d.PriorVersion = prev.Metadata.Version
			d.BumpRequired = BumpRequired(prev, cur)
		default:
			d.Change = Unchanged
			d.PriorVersion = prev.Metadata.Version
		}
		out = append(out, d)
	}

	for _, prev := range prior.Stanzas {
		if _, ok := current.Get(prev.Metadata.ID); ok {
			continue
		}
		out = append(out, Diff{ID: prev.Metadata.ID, Name: prev.Name, Change: Removed, PriorVersion: prev.Metadata.Version})
	}
	return out
}

// NeedsBump filters diffs down to those requiring a version bump.
func NeedsBump(diffs []Diff) []Diff {
	var out []Diff
	for _, d := range diffs {
		if d.BumpRequired {
			out = append(out, d)
		}
	}
	return out
}

// ChangedIDs returns the ids of added or modified detections.
func ChangedIDs(diffs []Diff) map[uuid.UUID]bool {
	ids := make(map[uuid.UUID]bool)
	for _, d := range diffs {
		if d.Change == Added || d.Change == Modified {
			ids[d.ID] = true
		}
	}
	return ids
}

// ParseFile parses the configuration file at path.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path)
}

// CompareFiles parses both files and compares them. A parse error in either
// halts the comparison.
func CompareFiles(priorPath, currentPath string) ([]Diff, error) {
	prior, err := ParseFile(priorPath)
	if err != nil {
		return nil, fmt.Errorf("prior build: %w", err)
	}
	current, err := ParseFile(currentPath)
	if err != nil {
		return nil, fmt.Errorf("current build: %w", err)
	}
	return Compare(prior, current), nil
}
