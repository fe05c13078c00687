package output

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	oldOut, oldErr, oldNoColor := Stdout, Stderr, color.NoColor
	var out, errOut bytes.Buffer
	Stdout, Stderr, color.NoColor = &out, &errOut, true
	t.Cleanup(func() { Stdout, Stderr, color.NoColor = oldOut, oldErr, oldNoColor })
	return &out, &errOut
}

func TestPrinters(t *testing.T) {
	out, errOut := capture(t)

	Success("%d passed", 3)
	Warn("slow")
	Info("plain")
	Error("boom: %s", "x")

	assert.Equal(t, "✓ 3 passed\n⚠ slow\nplain\n", out.String())
	assert.Equal(t, "✗ boom: x\n", errOut.String())
}

func TestTable(t *testing.T) {
	capture(t)

	tbl := NewTable([]string{"NAME", "STATUS"})
	tbl.AddRow([]string{"Suspicious Process", "pass"})
	tbl.AddRow([]string{"x", "fail"})

	var buf bytes.Buffer
	tbl.Render(&buf)

	want := "NAME                STATUS  \n" +
		"------------------  ------  \n" +
		"Suspicious Process  pass    \n" +
		"x                   fail    \n"
	assert.Equal(t, want, buf.String())
}

func TestJSON(t *testing.T) {
	out, _ := capture(t)
	assert.NoError(t, JSON(map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", out.String())
}
