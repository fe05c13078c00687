package stanza

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Property is one key/value pair of a section.
type Property struct {
	Key   string
	Value string
}

// Section is a generic configuration section.
type Section struct {
	Name       string
	Properties []Property
}

// Map returns the properties as a map. Later keys win.
func (s Section) Map() map[string]string {
	m := make(map[string]string, len(s.Properties))
	for _, p := range s.Properties {
		m[p.Key] = p.Value
	}
	return m
}

// ReadConf parses any configuration file into sections. Comments and blank
// lines are ignored, a trailing backslash continues a value on the next line
// and properties before the first header go into a section named "default".
func ReadConf(r io.Reader) ([]Section, error) {
	var sections []Section
	cur := -1

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	lineNo := 0
	var pending strings.Builder
	pendingStart := 0

	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")

		if strings.HasSuffix(line, `\`) {
			if pending.Len() == 0 {
				pendingStart = lineNo
			}
			pending.WriteString(strings.TrimSuffix(line, `\`))
			pending.WriteByte('\n')
			continue
		}
		start := lineNo
		if pending.Len() > 0 {
			pending.WriteString(line)
			line = pending.String()
			start = pendingStart
			pending.Reset()
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(trimmed, "[") {
			if !strings.HasSuffix(trimmed, "]") {
				return nil, &ParseError{Line: start, Msg: fmt.Sprintf("unterminated section header %q", trimmed)}
			}
			sections = append(sections, Section{Name: strings.TrimSpace(trimmed[1 : len(trimmed)-1])})
			cur = len(sections) - 1
			continue
		}

		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			return nil, &ParseError{Line: start, Msg: fmt.Sprintf("expected key = value, got %q", trimmed)}
		}
		if cur < 0 {
			sections = append(sections, Section{Name: "default"})
			cur = 0
		}
		sections[cur].Properties = append(sections[cur].Properties, Property{
			Key:   strings.TrimSpace(key),
			Value: strings.TrimSpace(value),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if pending.Len() > 0 {
		return nil, &ParseError{Line: pendingStart, Msg: "continuation at end of file"}
	}
	return sections, nil
}
