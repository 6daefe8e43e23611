package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmount(t *testing.T) {
	tests := map[int64]string{
		0:       "0.00",
		5:       "0.05",
		-4550:   "-45.50",
		123456:  "1234.56",
		-100000: "-1000.00",
	}
	for minor, want := range tests {
		assert.Equal(t, want, Amount(minor))
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{input: "45.50", want: 4550},
		{input: "-5", want: -500},
		{input: " 0.01 ", want: 1},
		{input: "1.005", wantErr: true},
		{input: "ten", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatHelpers(t *testing.T) {
	assert.Contains(t, FormatSuccess("done"), "done")
	assert.Contains(t, FormatError("failed"), "failed")
	assert.Contains(t, FormatWarning("careful"), "careful")
	assert.Contains(t, FormatInfo("note"), "note")
	assert.Contains(t, FormatTitle("Ledger"), "Ledger")
	assert.Contains(t, FormatAmount(-4550), "-45.50")
	assert.Contains(t, RenderBox("Title", "body"), "body")
}

func TestRenderTable(t *testing.T) {
	out := RenderTable([]string{"ID", "Name"}, [][]string{{"1", "alice"}, {"22", "bob"}})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Name")
	assert.Contains(t, lines[1], "alice")
	assert.Contains(t, lines[2], "22")
}

func TestProgressFunc(t *testing.T) {
	var out bytes.Buffer
	progress := ProgressFunc(&out, "Posting fees")
	progress(1, 3)
	progress(3, 3)
	assert.Contains(t, out.String(), "Posting fees")
}
