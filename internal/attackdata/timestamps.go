package attackdata

import (
	"bytes"
	"cmp"
	"regexp"
	"slices"
	"strings"
	"time"
)

type timestampFormat struct {
	pattern *regexp.Regexp
	layout  string
	// noYear formats are parsed into the year of the rewrite.
	noYear bool
}

// Longer, zone-qualified forms come first so a shorter pattern never claims
// part of a longer timestamp.
var timestampFormats = []timestampFormat{
	{pattern: regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`), layout: time.RFC3339Nano},
	{pattern: regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?`), layout: "2006-01-02 15:04:05"},
	{pattern: regexp.MustCompile(`\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2} [AP]M`), layout: "01/02/2006 03:04:05 PM"},
	{pattern: regexp.MustCompile(`\d{2}/[A-Z][a-z]{2}/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4}`), layout: "02/Jan/2006:15:04:05 -0700"},
	{pattern: regexp.MustCompile(`[A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}`), layout: time.Stamp, noYear: true},
}

type match struct {
	start, end int
	layout     string
	utc        bool
	t          time.Time
}

// RewriteTimestamps shifts every recognised timestamp in data by the same
// offset so that the newest one lands on now. Spacing between events is kept
// and each timestamp keeps its layout and precision. Data without a
// recognised timestamp is returned unchanged.
func RewriteTimestamps(data []byte, now time.Time) []byte {
	matches := findTimestamps(data, now.Year())
	if len(matches) == 0 {
		return data
	}

	latest := matches[0].t
	for _, m := range matches[1:] {
		if m.t.After(latest) {
			latest = m.t
		}
	}
	delta := now.Sub(latest)

	var out bytes.Buffer
	out.Grow(len(data))
	prev := 0
	for _, m := range matches {
		out.Write(data[prev:m.start])
		shifted := m.t.Add(delta)
		if m.utc {
			shifted = shifted.UTC()
		} else {
			shifted = shifted.In(m.t.Location())
		}
		out.WriteString(shifted.Format(m.layout))
		prev = m.end
	}
	out.Write(data[prev:])
	return out.Bytes()
}

// layoutFor adapts the base layout of f to the exact shape of text: the
// date/time separator and the number of fractional digits.
func layoutFor(f *timestampFormat, text string) string {
	if f.layout != time.RFC3339Nano && f.layout != "2006-01-02 15:04:05" {
		return f.layout
	}

	sep := text[10:11]
	frac := ""
	if len(text) > 19 && text[19] == '.' {
		digits := 0
		for _, r := range text[20:] {
			if r < '0' || r > '9' {
				break
			}
			digits++
		}
		frac = "." + strings.Repeat("0", digits)
	}

	layout := "2006-01-02" + sep + "15:04:05" + frac
	if f.layout == time.RFC3339Nano {
		layout += "Z07:00"
	}
	return layout
}

// findTimestamps returns non-overlapping timestamp matches in offset order.
func findTimestamps(data []byte, year int) []match {
	taken := make([]bool, len(data))
	var found []match

	for i := range timestampFormats {
		f := &timestampFormats[i]
		for _, loc := range f.pattern.FindAllIndex(data, -1) {
			if slices.Contains(taken[loc[0]:loc[1]], true) {
				continue
			}
			text := string(data[loc[0]:loc[1]])
			layout := layoutFor(f, text)
			t, err := time.Parse(layout, text)
			if err != nil {
				continue
			}
			if f.noYear {
				t = t.AddDate(year, 0, 0)
			}
			for j := loc[0]; j < loc[1]; j++ {
				taken[j] = true
			}
			found = append(found, match{
				start:  loc[0],
				end:    loc[1],
				layout: layout,
				utc:    strings.HasSuffix(text, "Z"),
				t:      t,
			})
		}
	}

	slices.SortFunc(found, func(a, b match) int { return cmp.Compare(a.start, b.start) })
	return found
}
