package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/interval"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

// activeAt renders "alias's [begins_at, ends_at) contains ?" for tables that
// store an interval in those two columns. It consumes two arguments.
func activeAt(alias string) string {
	return fmt.Sprintf("(%[1]s.begins_at IS NULL OR %[1]s.begins_at <= ?) AND (%[1]s.ends_at IS NULL OR ? < %[1]s.ends_at)", alias)
}

func intervalArgs(i interval.Interval[time.Time]) (any, any) {
	return nullableTime(i.Begin), nullableTime(i.End)
}

func scanInterval(begin, end sql.NullTime) interval.Interval[time.Time] {
	return interval.Interval[time.Time]{Begin: timePtr(begin), End: timePtr(end)}
}

// CreateUser inserts a user. The user's account must already exist.
func (s *store) CreateUser(ctx context.Context, user *model.User) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("%w: user", ErrNilParameter)
	}
	if err := validateString(user.Login, "login"); err != nil {
		return err
	}
	if user.RegisteredAt.IsZero() {
		user.RegisteredAt = time.Now()
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO "user" (login, name, account_id, registered_at) VALUES (?, ?, ?, ?)`,
		user.Login, user.Name, user.AccountID, utc(user.RegisteredAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to create user %q: %w", user.Login, err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user ID: %w", err)
	}
	user.ID = id
	return nil
}

// GetUser retrieves a user by ID.
func (s *store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var user model.User
	err := s.q.QueryRowContext(ctx,
		`SELECT id, login, name, account_id, registered_at FROM "user" WHERE id = ?`, id,
	).Scan(&user.ID, &user.Login, &user.Name, &user.AccountID, &user.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUsers lists all users ordered by ID.
func (s *store) GetUsers(ctx context.Context) ([]model.User, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `SELECT id, login, name, account_id, registered_at FROM "user" ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var user model.User
		if err := rows.Scan(&user.ID, &user.Login, &user.Name, &user.AccountID, &user.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// CreateGroup inserts a property group.
func (s *store) CreateGroup(ctx context.Context, group *model.Group) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("%w: group", ErrNilParameter)
	}
	if err := validateString(group.Name, "name"); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx, `INSERT INTO property_group (name) VALUES (?)`, group.Name)
	if err != nil {
		return mapError(fmt.Errorf("failed to create group %q: %w", group.Name, err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get group ID: %w", err)
	}
	group.ID = id
	return nil
}

// GetGroupByName retrieves a property group by its unique name.
func (s *store) GetGroupByName(ctx context.Context, name string) (*model.Group, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var group model.Group
	err := s.q.QueryRowContext(ctx, `SELECT id, name FROM property_group WHERE name = ?`, name).
		Scan(&group.ID, &group.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: group %q", common.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &group, nil
}

// AddMembership inserts a membership. Overlapping memberships of the same
// user in the same group are rejected with common.ErrConflict.
func (s *store) AddMembership(ctx context.Context, membership *model.Membership) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if membership == nil {
		return fmt.Errorf("%w: membership", ErrNilParameter)
	}
	if _, err := interval.New(membership.ActiveDuring.Begin, membership.ActiveDuring.End); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDateRange, err)
	}

	begin, end := intervalArgs(membership.ActiveDuring)
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO membership (user_id, group_id, begins_at, ends_at) VALUES (?, ?, ?, ?)`,
		membership.UserID, membership.GroupID, begin, end)
	if err != nil {
		return mapError(fmt.Errorf("failed to add membership: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get membership ID: %w", err)
	}
	membership.ID = id
	return nil
}

// EndMembership closes an open membership at end.
func (s *store) EndMembership(ctx context.Context, id int64, end time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE membership SET ends_at = ?
		WHERE id = ? AND (begins_at IS NULL OR begins_at <= ?)`,
		utc(end), id, utc(end))
	if err != nil {
		return mapError(fmt.Errorf("failed to end membership %d: %w", id, err))
	}
	return expectOneRow(result, "membership", id)
}

// GetMemberships lists all memberships of a user.
func (s *store) GetMemberships(ctx context.Context, userID int64) ([]model.Membership, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, group_id, begins_at, ends_at
		FROM membership WHERE user_id = ?
		ORDER BY begins_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memberships []model.Membership
	for rows.Next() {
		var m model.Membership
		var begin, end sql.NullTime
		if err := rows.Scan(&m.ID, &m.UserID, &m.GroupID, &begin, &end); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		m.ActiveDuring = scanInterval(begin, end)
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// GetUserIDsWithMembershipAt returns the users holding at least one
// membership active at any of the given instants. It is a candidate filter;
// property evaluation decides billability.
func (s *store) GetUserIDsWithMembershipAt(ctx context.Context, when ...time.Time) ([]int64, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if len(when) == 0 {
		return nil, nil
	}

	clauses := make([]string, len(when))
	args := make([]any, 0, 2*len(when))
	for i, w := range when {
		clauses[i] = "(" + activeAt("m") + ")"
		args = append(args, utc(w), utc(w))
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT m.user_id FROM membership m
		WHERE `+strings.Join(clauses, " OR ")+`
		ORDER BY m.user_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertProperty sets a group's property to granted or denied, creating it
// if needed.
func (s *store) UpsertProperty(ctx context.Context, groupID int64, name string, granted bool) (*model.Property, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(name, "property name"); err != nil {
		return nil, err
	}

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO property (property_group_id, name, granted) VALUES (?, ?, ?)
		ON CONFLICT (property_group_id, name) DO UPDATE SET granted = excluded.granted`,
		groupID, name, granted); err != nil {
		return nil, mapError(fmt.Errorf("failed to upsert property %q: %w", name, err))
	}

	prop := model.Property{GroupID: groupID, Name: name}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, granted FROM property WHERE property_group_id = ? AND name = ?`, groupID, name,
	).Scan(&prop.ID, &prop.Granted)
	if err != nil {
		return nil, fmt.Errorf("failed to read property %q: %w", name, err)
	}
	return &prop, nil
}

// GetGroupProperties lists the properties attached to any of the groups.
func (s *store) GetGroupProperties(ctx context.Context, groupIDs []int64) ([]model.Property, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}

	placeholders, args := inClause(groupIDs)
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, property_group_id, name, granted FROM property
		WHERE property_group_id IN (`+placeholders+`)
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query properties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var props []model.Property
	for rows.Next() {
		var p model.Property
		if err := rows.Scan(&p.ID, &p.GroupID, &p.Name, &p.Granted); err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}
