// Package stanza reads generated platform configuration and decides, per
// detection, whether a content change needs a version bump.
package stanza

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MetadataKey prefixes the metadata line of a detection stanza.
const MetadataKey = "action.correlationsearch.metadata"

var (
	detectionHeader = regexp.MustCompile(`^\[(.+?) - (.+) - Rule\]$`)
	anyHeader       = regexp.MustCompile(`^\[.*\]$`)
)

// ParseError locates a problem in a configuration file.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Metadata is the record embedded in a detection stanza.
type Metadata struct {
	Deprecated  bool
	ID          uuid.UUID
	Version     int
	PublishTime float64
}

// Stanza is one detection stanza: its lines in order, including the header
// and the metadata line.
type Stanza struct {
	Prefix   string
	Name     string
	Lines    []string
	Line     int
	Metadata Metadata

	metadataIndex int
}

// Hash is a stable digest of the stanza without its metadata line.
func (s *Stanza) Hash() string {
	h := sha256.New()
	for i, line := range s.Lines {
		if i == s.metadataIndex {
			continue
		}
		io.WriteString(h, line)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// File is the set of detection stanzas of one configuration file.
type File struct {
	Name    string
	Stanzas []*Stanza
	byID    map[uuid.UUID]*Stanza
}

// Get returns the stanza of detection id.
func (f *File) Get(id uuid.UUID) (*Stanza, bool) {
	s, ok := f.byID[id]
	return s, ok
}

// Parse reads the detection stanzas of r. Stanzas whose header does not match
// the detection pattern are skipped. name is only used in error messages.
func Parse(r io.Reader, name string) (*File, error) {
	f := &File{Name: name, byID: make(map[uuid.UUID]*Stanza)}

	var cur *Stanza
	lineNo := 0

	finish := func() error {
		if cur == nil {
			return nil
		}
		s := cur
		cur = nil
		if s.metadataIndex < 0 {
			return &ParseError{File: name, Line: s.Line, Msg: fmt.Sprintf("stanza %q has no %s line", s.Name, MetadataKey)}
		}
		if prev, dup := f.byID[s.Metadata.ID]; dup {
			return &ParseError{File: name, Line: s.Line, Msg: fmt.Sprintf("detection %s already defined at line %d", s.Metadata.ID, prev.Line)}
		}
		f.byID[s.Metadata.ID] = s
		f.Stanzas = append(f.Stanzas, s)
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if m := detectionHeader.FindStringSubmatch(trimmed); m != nil {
			if cur != nil {
				return nil, &ParseError{File: name, Line: lineNo, Msg: fmt.Sprintf("stanza %q starts before stanza %q (line %d) ended", m[2], cur.Name, cur.Line)}
			}
			cur = &Stanza{Prefix: m[1], Name: m[2], Line: lineNo, Lines: []string{line}, metadataIndex: -1}
			continue
		}
		if anyHeader.MatchString(trimmed) {
			if cur != nil {
				return nil, &ParseError{File: name, Line: lineNo, Msg: fmt.Sprintf("section %s starts before stanza %q (line %d) ended", trimmed, cur.Name, cur.Line)}
			}
			continue
		}
		if trimmed == "" {
			if err := finish(); err != nil {
				return nil, err
			}
			continue
		}
		if cur == nil {
			continue
		}

		if strings.HasPrefix(trimmed, MetadataKey) {
			if cur.metadataIndex >= 0 {
				return nil, &ParseError{File: name, Line: lineNo, Msg: fmt.Sprintf("stanza %q has a second metadata line (first at line %d)", cur.Name, cur.Line+cur.metadataIndex)}
			}
			md, err := parseMetadata(trimmed)
			if err != nil {
				return nil, &ParseError{File: name, Line: lineNo, Msg: err.Error()}
			}
			cur.Metadata = md
			cur.metadataIndex = len(cur.Lines)
		}
		cur.Lines = append(cur.Lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return f, nil
}

type rawMetadata struct {
	Deprecated  json.RawMessage `json:"deprecated"`
	ID          string          `json:"detection_id"`
	Version     json.RawMessage `json:"detection_version"`
	PublishTime json.RawMessage `json:"publish_time"`
}

func parseMetadata(line string) (Metadata, error) {
	_, value, ok := strings.Cut(line, "=")
	if !ok {
		return Metadata{}, fmt.Errorf("metadata line has no value")
	}

	var raw rawMetadata
	if err := json.Unmarshal([]byte(strings.TrimSpace(value)), &raw); err != nil {
		return Metadata{}, fmt.Errorf("malformed metadata: %w", err)
	}

	id, err := uuid.Parse(raw.ID)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata detection_id %q: %w", raw.ID, err)
	}

	version, err := jsonNumber(raw.Version)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata detection_version: %w", err)
	}
	publish := 0.0
	if len(raw.PublishTime) > 0 {
		if publish, err = jsonNumber(raw.PublishTime); err != nil {
			return Metadata{}, fmt.Errorf("metadata publish_time: %w", err)
		}
	}
	deprecated := 0.0
	if len(raw.Deprecated) > 0 {
		var b bool
		if json.Unmarshal(raw.Deprecated, &b) == nil {
			if b {
				deprecated = 1
			}
		} else if deprecated, err = jsonNumber(raw.Deprecated); err != nil {
			return Metadata{}, fmt.Errorf("metadata deprecated: %w", err)
		}
	}

	return Metadata{
		Deprecated:  deprecated != 0,
		ID:          id,
		Version:     int(version),
		PublishTime: publish,
	}, nil
}

// jsonNumber accepts a JSON number or a string holding one.
func jsonNumber(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
