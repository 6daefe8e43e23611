package model

import (
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/interval"
)

// PropertyMembershipFee is the property that makes a user billable.
const PropertyMembershipFee = "membership_fee"

// User is a member of the association.
type User struct {
	RegisteredAt time.Time
	Login        string
	Name         string
	ID           int64
	AccountID    int64
}

// Group is a property group; memberships in it confer its properties.
type Group struct {
	Name string
	ID   int64
}

// Membership places a user into a group for a time interval.
type Membership struct {
	ActiveDuring interval.Interval[time.Time]
	ID           int64
	UserID       int64
	GroupID      int64
}

// ActiveAt reports whether the membership is active at when.
func (m Membership) ActiveAt(when time.Time) bool {
	return m.ActiveDuring.Contains(when)
}

// Property grants (or explicitly denies) a named capability to a group.
type Property struct {
	Name    string
	ID      int64
	GroupID int64
	Granted bool
}

// Building groups rooms and carries the account that fees are booked against.
type Building struct {
	FeeAccountID *int64
	ShortName    string
	ID           int64
}

// Room is a room inside a building.
type Room struct {
	Number     string
	ID         int64
	BuildingID int64
}

// RoomHistoryEntry records that a user lived in a room during an interval.
type RoomHistoryEntry struct {
	ActiveDuring interval.Interval[time.Time]
	ID           int64
	UserID       int64
	RoomID       int64
}
