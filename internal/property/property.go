// Package property resolves which named capabilities a user holds at an
// instant, from the properties of the groups the user is a member of.
package property

import (
	"context"
	"fmt"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
)

// State is the three-valued outcome of resolving a property.
type State int

// Resolution states. A denial anywhere dominates any number of grants.
const (
	Absent State = iota
	Granted
	Denied
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "absent"
	}
}

// Resolve folds the entries named name into a single state.
func Resolve(entries []model.Property, name string) State {
	state := Absent
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		if !e.Granted {
			return Denied
		}
		state = Granted
	}
	return state
}

// Evaluate resolves every property defined by a group that has a membership
// active at when. Properties of inactive groups are ignored.
func Evaluate(memberships []model.Membership, properties []model.Property, when time.Time) map[string]State {
	active := make(map[int64]bool)
	for _, m := range memberships {
		if m.ActiveAt(when) {
			active[m.GroupID] = true
		}
	}

	byName := make(map[string][]model.Property)
	for _, p := range properties {
		if active[p.GroupID] {
			byName[p.Name] = append(byName[p.Name], p)
		}
	}

	states := make(map[string]State, len(byName))
	for name, entries := range byName {
		states[name] = Resolve(entries, name)
	}
	return states
}

// Resolver evaluates properties against the store.
type Resolver struct {
	storage service.Storage
}

// NewResolver creates a resolver backed by storage.
func NewResolver(storage service.Storage) *Resolver {
	return &Resolver{storage: storage}
}

// Properties returns the resolved properties of a user at when.
func (r *Resolver) Properties(ctx context.Context, userID int64, when time.Time) (map[string]State, error) {
	memberships, err := r.storage.GetMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memberships of user %d: %w", userID, err)
	}

	groupIDs := activeGroups(memberships, when)
	if len(groupIDs) == 0 {
		return map[string]State{}, nil
	}

	properties, err := r.storage.GetGroupProperties(ctx, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load group properties: %w", err)
	}
	return Evaluate(memberships, properties, when), nil
}

// HasProperty reports whether name resolves to exactly Granted for the user
// at when.
func (r *Resolver) HasProperty(ctx context.Context, userID int64, name string, when time.Time) (bool, error) {
	states, err := r.Properties(ctx, userID, when)
	if err != nil {
		return false, err
	}
	return states[name] == Granted, nil
}

// UpsertProperty grants or denies name on a group.
func (r *Resolver) UpsertProperty(ctx context.Context, groupID int64, name string, granted bool) (*model.Property, error) {
	return r.storage.UpsertProperty(ctx, groupID, name, granted)
}

func activeGroups(memberships []model.Membership, when time.Time) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, m := range memberships {
		if m.ActiveAt(when) && !seen[m.GroupID] {
			seen[m.GroupID] = true
			ids = append(ids, m.GroupID)
		}
	}
	return ids
}
