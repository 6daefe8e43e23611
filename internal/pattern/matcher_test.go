package pattern

import (
	"testing"

	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Match(t *testing.T) {
	patterns := []model.AccountPattern{
		{ID: 1, Pattern: `hosting`, AccountID: 10},
		{ID: 2, Pattern: `server\s+rent`, AccountID: 20},
		{ID: 3, Pattern: `rechenzentrum`, AccountID: 10},
		{ID: 4, Pattern: `^rent`, AccountID: 30},
	}

	m, err := NewMatcher(patterns)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Len())

	tests := []struct {
		name      string
		reference string
		want      []int64
	}{
		{name: "no match", reference: "membership 1234-56", want: nil},
		{name: "case insensitive", reference: "HOSTING invoice 7", want: []int64{10}},
		{name: "same account twice is not ambiguous", reference: "Hosting Rechenzentrum", want: []int64{10}},
		{name: "regex whitespace", reference: "server   rent may", want: []int64{20}},
		{name: "ambiguous in pattern order", reference: "rent for hosting", want: []int64{10, 30}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.reference))
		})
	}
}

func TestNewMatcher_InvalidPattern(t *testing.T) {
	_, err := NewMatcher([]model.AccountPattern{{ID: 9, Pattern: `(unclosed`, AccountID: 1}})
	assert.Error(t, err)
}
