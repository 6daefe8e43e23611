package model

import "time"

// Transaction is a balanced double-entry booking.
type Transaction struct {
	PostedAt    time.Time
	ValidOn     time.Time
	Description string
	Splits      []Split
	ID          int64
	AuthorID    int64
	Confirmed   bool
}

// Split is one leg of a transaction. Positive amounts debit the account,
// negative amounts credit it. Amounts are in minor currency units.
type Split struct {
	ID            int64
	TransactionID int64
	AccountID     int64
	Amount        int64
}

// SplitInput describes a split to be posted.
type SplitInput struct {
	AccountID int64
	Amount    int64
}

// Balance is the one balance formula: the sum of split amounts. The store's
// account_balance view computes exactly this aggregate.
func Balance(splits []Split) int64 {
	var sum int64
	for _, s := range splits {
		sum += s.Amount
	}
	return sum
}

// Imbalance returns the sum of the given split inputs. A postable set sums to zero.
func Imbalance(splits []SplitInput) int64 {
	var sum int64
	for _, s := range splits {
		sum += s.Amount
	}
	return sum
}

// SplitFor returns the split booked on accountID, if any.
func (t *Transaction) SplitFor(accountID int64) (Split, bool) {
	for _, s := range t.Splits {
		if s.AccountID == accountID {
			return s, true
		}
	}
	return Split{}, false
}

// LogEntry is an audit record attached to a transaction or user.
type LogEntry struct {
	CreatedAt     time.Time
	TransactionID *int64
	UserID        *int64
	Message       string
	ID            int64
	AuthorID      int64
}
