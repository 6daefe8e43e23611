package model

import "time"

// BankAccount is an external bank account. It owns exactly one ledger
// account, which must be of type BANK_ASSET.
type BankAccount struct {
	LastImportedAt *time.Time
	Name           string
	BankName       string
	IBAN           string
	BIC            string
	RoutingNumber  string
	AccountNumber  string
	ID             int64
	AccountID      int64
}

// BankAccountActivity is an imported bank statement line. Once linked to a
// split it stays linked.
type BankAccountActivity struct {
	PostedOn          time.Time
	ValidOn           time.Time
	ImportedAt        time.Time
	TransactionID     *int64
	SplitAccountID    *int64
	Reference         string
	OtherName         string
	OtherIBAN         string
	OtherBIC          string
	EndToEndReference string
	ID                int64
	BankAccountID     int64
	Amount            int64
}

// Linked reports whether the activity is attached to a split.
func (a *BankAccountActivity) Linked() bool {
	return a.TransactionID != nil && a.SplitAccountID != nil
}

// SameLine reports whether two activities describe the same statement line.
// Imports use it to recognise already-seen statement windows.
func (a *BankAccountActivity) SameLine(o *BankAccountActivity) bool {
	return a.BankAccountID == o.BankAccountID &&
		a.Amount == o.Amount &&
		a.Reference == o.Reference &&
		a.OtherIBAN == o.OtherIBAN &&
		a.OtherBIC == o.OtherBIC &&
		a.OtherName == o.OtherName &&
		sameDay(a.PostedOn, o.PostedOn) &&
		sameDay(a.ValidOn, o.ValidOn)
}

// StatementRecord is a raw statement line as delivered by a banking client
// or a statement parser. Amounts are in minor currency units.
type StatementRecord struct {
	BookingDate       time.Time
	ValueDate         time.Time
	CounterpartyIBAN  string
	CounterpartyBIC   string
	CounterpartyName  string
	Reference         string
	EndToEndReference string
	Amount            int64
}

// MT940Error holds a statement that could not be parsed, so that no imported
// data is silently dropped.
type MT940Error struct {
	ImportedAt    time.Time
	MT940         string
	Exception     string
	ID            int64
	AuthorID      int64
	BankAccountID int64
}

// Date truncates t to midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last instant of t's day in UTC.
func EndOfDay(t time.Time) time.Time {
	return Date(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

func sameDay(a, b time.Time) bool {
	return Date(a).Equal(Date(b))
}
