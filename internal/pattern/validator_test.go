package pattern

import (
	"testing"

	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		pattern model.AccountPattern
		wantErr bool
	}{
		{name: "valid", pattern: model.AccountPattern{Pattern: `hosting`, AccountID: 1}},
		{name: "empty", pattern: model.AccountPattern{Pattern: "  ", AccountID: 1}, wantErr: true},
		{name: "no account", pattern: model.AccountPattern{Pattern: `hosting`}, wantErr: true},
		{name: "does not compile", pattern: model.AccountPattern{Pattern: `[a-`, AccountID: 1}, wantErr: true},
		{name: "matches everything", pattern: model.AccountPattern{Pattern: `.*`, AccountID: 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.pattern)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPattern)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
