package model

import (
	"errors"
	"time"
)

// MembershipFee defines one billing period.
type MembershipFee struct {
	BeginsOn time.Time
	EndsOn   time.Time
	Name     string
	ID       int64
	// RegularFee is charged per period in minor currency units.
	RegularFee int64
	// BookingBegin and BookingEnd are day offsets from BeginsOn. A user with
	// the membership fee property on either checkpoint day is billable.
	BookingBegin int
	BookingEnd   int
	// PaymentDeadline and PaymentDeadlineFinal are grace windows in days.
	PaymentDeadline      int
	PaymentDeadlineFinal int
}

// Validate checks the invariants of a fee definition.
func (f *MembershipFee) Validate() error {
	if f.Name == "" {
		return errors.New("fee name is required")
	}
	if f.RegularFee < 0 {
		return errors.New("regular fee must not be negative")
	}
	if f.BeginsOn.IsZero() || f.EndsOn.IsZero() {
		return errors.New("fee period requires begins_on and ends_on")
	}
	if Date(f.BeginsOn).After(Date(f.EndsOn)) {
		return errors.New("begins_on must not be after ends_on")
	}
	if f.BookingBegin < 0 || f.BookingEnd < 0 {
		return errors.New("booking offsets must not be negative")
	}
	return nil
}

// BookingBeginCheckpoint is the end of day begins_on + booking_begin - 1.
func (f *MembershipFee) BookingBeginCheckpoint() time.Time {
	return EndOfDay(Date(f.BeginsOn).AddDate(0, 0, f.BookingBegin-1))
}

// BookingEndCheckpoint is the end of day begins_on + booking_end - 1.
func (f *MembershipFee) BookingEndCheckpoint() time.Time {
	return EndOfDay(Date(f.BeginsOn).AddDate(0, 0, f.BookingEnd-1))
}

// FeeRun marks a billing run in progress for a fee.
type FeeRun struct {
	StartedAt   time.Time
	FinishedAt  *time.Time
	ID          string
	FeeID       int64
	ProcessorID int64
}
