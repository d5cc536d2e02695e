package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertRoom records a created or updated room.
func (db *DB) UpsertRoom(r *Room) error {
	_, err := db.Exec(`
		INSERT INTO rooms (id, name, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Description, time.Now().UnixMilli())
	return err
}

// DeleteRoom forgets a room. Its transcript is kept.
func (db *DB) DeleteRoom(id int64) error {
	_, err := db.Exec(`DELETE FROM rooms WHERE id = ?`, id)
	return err
}

// GetRoom returns a room by id, or nil if unknown.
func (db *DB) GetRoom(id int64) (*Room, error) {
	var r Room
	err := db.QueryRow(`SELECT id, name, description, updated_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Description, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRooms returns known rooms ordered by name.
func (db *DB) ListRooms() ([]Room, error) {
	rows, err := db.Query(`SELECT id, name, description, updated_at FROM rooms ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}
