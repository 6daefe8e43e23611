package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/interval"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

// CreateBuilding inserts a building.
func (s *store) CreateBuilding(ctx context.Context, building *model.Building) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if building == nil {
		return fmt.Errorf("%w: building", ErrNilParameter)
	}
	if err := validateString(building.ShortName, "short name"); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO building (short_name, fee_account_id) VALUES (?, ?)`,
		building.ShortName, building.FeeAccountID)
	if err != nil {
		return mapError(fmt.Errorf("failed to create building %q: %w", building.ShortName, err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get building ID: %w", err)
	}
	building.ID = id
	return nil
}

// GetBuilding retrieves a building by ID.
func (s *store) GetBuilding(ctx context.Context, id int64) (*model.Building, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var building model.Building
	var feeAccount sql.NullInt64
	err := s.q.QueryRowContext(ctx, `SELECT id, short_name, fee_account_id FROM building WHERE id = ?`, id).
		Scan(&building.ID, &building.ShortName, &feeAccount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: building %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get building: %w", err)
	}
	building.FeeAccountID = int64Ptr(feeAccount)
	return &building, nil
}

// GetFeeAccountIDs lists the distinct fee accounts configured on buildings.
func (s *store) GetFeeAccountIDs(ctx context.Context) ([]int64, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT fee_account_id FROM building
		WHERE fee_account_id IS NOT NULL
		ORDER BY fee_account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan fee account: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateRoom inserts a room.
func (s *store) CreateRoom(ctx context.Context, room *model.Room) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if room == nil {
		return fmt.Errorf("%w: room", ErrNilParameter)
	}
	if err := validateString(room.Number, "room number"); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO room (building_id, number) VALUES (?, ?)`, room.BuildingID, room.Number)
	if err != nil {
		return mapError(fmt.Errorf("failed to create room %q: %w", room.Number, err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get room ID: %w", err)
	}
	room.ID = id
	return nil
}

// AddRoomHistoryEntry records a stay. A user lives in at most one room at a time.
func (s *store) AddRoomHistoryEntry(ctx context.Context, entry *model.RoomHistoryEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: room history entry", ErrNilParameter)
	}
	if _, err := interval.New(entry.ActiveDuring.Begin, entry.ActiveDuring.End); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDateRange, err)
	}

	begin, end := intervalArgs(entry.ActiveDuring)
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO room_history_entry (user_id, room_id, begins_at, ends_at) VALUES (?, ?, ?, ?)`,
		entry.UserID, entry.RoomID, begin, end)
	if err != nil {
		return mapError(fmt.Errorf("failed to add room history entry: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get room history entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// GetRoomAt returns the room a user lived in at when, or nil if none.
func (s *store) GetRoomAt(ctx context.Context, userID int64, when time.Time) (*model.Room, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var room model.Room
	err := s.q.QueryRowContext(ctx, `
		SELECT r.id, r.building_id, r.number
		FROM room_history_entry h
		JOIN room r ON r.id = h.room_id
		WHERE h.user_id = ? AND `+activeAt("h")+`
		LIMIT 1`,
		userID, utc(when), utc(when),
	).Scan(&room.ID, &room.BuildingID, &room.Number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &room, nil
}
