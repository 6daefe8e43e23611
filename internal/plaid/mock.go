package plaid

import (
	"context"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
)

// MockSource is a service.StatementSource for tests.
type MockSource struct {
	StatementsFn func(ctx context.Context, bank model.BankAccount, start, end time.Time) ([]model.StatementRecord, error)

	// Records is returned when StatementsFn is nil.
	Records []model.StatementRecord
	Calls   []StatementsCall
}

// StatementsCall records the parameters of a Statements call.
type StatementsCall struct {
	Start         time.Time
	End           time.Time
	BankAccountID int64
}

// NewMockSource creates a mock source returning the given records.
func NewMockSource(records ...model.StatementRecord) *MockSource {
	return &MockSource{Records: records}
}

// Statements implements service.StatementSource.
func (m *MockSource) Statements(ctx context.Context, bank model.BankAccount, start, end time.Time) ([]model.StatementRecord, error) {
	m.Calls = append(m.Calls, StatementsCall{BankAccountID: bank.ID, Start: start, End: end})

	if m.StatementsFn != nil {
		return m.StatementsFn(ctx, bank, start, end)
	}
	return m.Records, nil
}

// Reset clears all call tracking.
func (m *MockSource) Reset() {
	m.Calls = nil
}

var _ service.StatementSource = (*MockSource)(nil)
