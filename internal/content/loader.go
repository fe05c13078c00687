// Package content loads detection files from a content repository and
// selects the detections a run tests.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/dettest/internal/config"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/stanza"
)

// MaxNameLength bounds detection names of non-streaming rules.
const MaxNameLength = 67

// InternalIndex may be named explicitly in a search.
const InternalIndex = "_internal"

var (
	filterMacro = regexp.MustCompile("`[A-Za-z0-9_]*_filter(\\([^`]*\\))?`")
	// selector matches index=, source= or sourcetype= terms of a search.
	selector = regexp.MustCompile(`(?i)(?:^|[\s(|])(index|source|sourcetype)\s*=\s*"?([^\s")|]+)`)
)

// ValidationError lists every problem found in one file.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// Skipped records a detection left out of the set and why.
type Skipped struct {
	Path   string
	Name   string
	Reason string
}

// Set is the loaded content of a repository.
type Set struct {
	Root       string
	Detections []*models.Detection
	Skipped    []Skipped

	byPath map[string]*models.Detection
	byID   map[uuid.UUID]*models.Detection
}

// Loader reads and validates detection files.
type Loader struct {
	validate *validator.Validate
}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{validate: validator.New()}
}

// Load walks dir for .yml and .yaml files. Deprecated detections and manual
// tests are skipped. Every invalid file is reported; the error wraps
// config.ErrConfiguration.
func (l *Loader) Load(dir string) (*Set, error) {
	set := &Set{
		Root:   dir,
		byPath: make(map[string]*models.Detection),
		byID:   make(map[uuid.UUID]*models.Detection),
	}

	var errs []error
	err := filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		if ext := filepath.Ext(path); ext != ".yml" && ext != ".yaml" {
			return nil
		}

		d, err := l.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		d.FilePath = filepath.ToSlash(rel)

		if d.Status == models.StatusDeprecated {
			set.Skipped = append(set.Skipped, Skipped{Path: d.FilePath, Name: d.Name, Reason: "deprecated"})
			return nil
		}
		d.Tests = slices.DeleteFunc(d.Tests, func(t *models.Test) bool { return t.Manual })
		if len(d.Tests) == 0 {
			set.Skipped = append(set.Skipped, Skipped{Path: d.FilePath, Name: d.Name, Reason: "only manual tests"})
			return nil
		}

		if prev, ok := set.byID[d.ID]; ok {
			errs = append(errs, &ValidationError{Path: d.FilePath, Problems: []string{
				fmt.Sprintf("id %s is already used by %s", d.ID, prev.FilePath),
			}})
			return nil
		}
		set.byID[d.ID] = d
		set.byPath[d.FilePath] = d
		set.Detections = append(set.Detections, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk %s: %w", config.ErrConfiguration, dir, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, errors.Join(errs...))
	}
	return set, nil
}

// LoadFile decodes and validates one detection file.
func (l *Loader) LoadFile(path string) (*models.Detection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(false)

	var d models.Detection
	if err := dec.Decode(&d); err != nil {
		return nil, &ValidationError{Path: path, Problems: []string{"decode: " + err.Error()}}
	}
	if problems := l.Check(&d); len(problems) > 0 {
		return nil, &ValidationError{Path: path, Problems: problems}
	}
	return &d, nil
}

// Check returns every rule d breaks.
func (l *Loader) Check(d *models.Detection) []string {
	var problems []string
	if err := l.validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s fails %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if !d.IsStreaming() && len(d.Name) > MaxNameLength {
		problems = append(problems, fmt.Sprintf("name is %d characters, the limit is %d", len(d.Name), MaxNameLength))
	}
	if !filterMacro.MatchString(d.Search) {
		problems = append(problems, "search does not use a *_filter macro")
	}
	for _, m := range selector.FindAllStringSubmatch(d.Search, -1) {
		key, value := strings.ToLower(m[1]), m[2]
		if key == "index" && value == InternalIndex {
			continue
		}
		problems = append(problems, fmt.Sprintf("search hard-codes %s=%s", key, value))
	}
	if d.Suppression != nil {
		for _, f := range d.Suppression.Fields {
			if strings.ContainsAny(f, " \t") {
				problems = append(problems, fmt.Sprintf("alert suppression field %q contains whitespace", f))
			}
		}
	}
	return problems
}

// Get returns the detection loaded from path, relative to the set root.
func (s *Set) Get(path string) (*models.Detection, bool) {
	d, ok := s.byPath[s.rel(path)]
	return d, ok
}

// ByID returns the detection with id.
func (s *Set) ByID(id uuid.UUID) (*models.Detection, bool) {
	d, ok := s.byID[id]
	return d, ok
}

func (s *Set) rel(path string) string {
	if filepath.IsAbs(path) {
		if r, err := filepath.Rel(s.Root, path); err == nil {
			path = r
		}
	}
	return filepath.ToSlash(filepath.Clean(path))
}

// Selection picks the detections of a run.
type Selection struct {
	Mode string
	// Paths are detection files for mode selected.
	Paths []string
	// Changed are changed file paths for mode changes. Paths that are not
	// detection files are ignored.
	Changed []string
	// Diffs are stanza differences between two builds for mode changes.
	Diffs []stanza.Diff
}

// Select resolves sel against the set. Unknown paths in mode selected are a
// configuration error.
func (s *Set) Select(sel Selection) ([]*models.Detection, error) {
	switch sel.Mode {
	case config.ModeAll:
		return slices.Clone(s.Detections), nil

	case config.ModeSelected:
		out := make([]*models.Detection, 0, len(sel.Paths))
		var missing []string
		for _, p := range sel.Paths {
			d, ok := s.Get(p)
			if !ok {
				missing = append(missing, p)
				continue
			}
			if !slices.Contains(out, d) {
				out = append(out, d)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: detections not found: %s", config.ErrConfiguration, strings.Join(missing, ", "))
		}
		return out, nil

	case config.ModeChanges:
		picked := make(map[*models.Detection]bool)
		for _, p := range sel.Changed {
			if d, ok := s.Get(p); ok {
				picked[d] = true
			}
		}
		for id := range stanza.ChangedIDs(sel.Diffs) {
			if d, ok := s.byID[id]; ok {
				picked[d] = true
			}
		}
		out := make([]*models.Detection, 0, len(picked))
		for _, d := range s.Detections {
			if picked[d] {
				out = append(out, d)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown mode %q", config.ErrConfiguration, sel.Mode)
}
