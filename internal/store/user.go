package store

import (
	"database/sql"
	"time"
)

// GetUser returns a user record by tenant id, or nil if absent.
func (db *DB) GetUser(userID string) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT id, user_id, name, number, avatar_url, is_valid, is_logged_in
		FROM users WHERE user_id = ?`, userID).
		Scan(&u.ID, &u.UserID, &u.Name, &u.Number, &u.AvatarURL, &u.IsValid, &u.IsLoggedIn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser inserts a user record or updates the profile fields of an
// existing one. Used on every successful open.
func (db *DB) UpsertUser(u *User) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (user_id, name, number, avatar_url, is_valid, is_logged_in, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			number = excluded.number,
			avatar_url = excluded.avatar_url,
			is_valid = excluded.is_valid,
			is_logged_in = excluded.is_logged_in,
			updated_at = excluded.updated_at`,
		u.UserID, u.Name, u.Number, u.AvatarURL, u.IsValid, u.IsLoggedIn, now, now)
	return err
}

// SetUserValidity updates the is_valid flag for a user.
func (db *DB) SetUserValidity(userID string, isValid bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE users SET is_valid = ?, updated_at = ? WHERE user_id = ?`,
		isValid, now, userID)
	return err
}

// SetUserLoggedIn updates the is_logged_in flag for a user.
func (db *DB) SetUserLoggedIn(userID string, loggedIn bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE users SET is_logged_in = ?, updated_at = ? WHERE user_id = ?`,
		loggedIn, now, userID)
	return err
}

// MarkUserDeauthorized clears both auth flags in one statement. Used when the
// transport reports an unauthorized close.
func (db *DB) MarkUserDeauthorized(userID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE users SET is_valid = 0, is_logged_in = 0, updated_at = ? WHERE user_id = ?`,
		now, userID)
	return err
}

// ValidUserIDs returns the tenant ids of every user whose last known auth
// state was valid. Sessions for these users are resumed at start-up.
func (db *DB) ValidUserIDs() ([]string, error) {
	rows, err := db.Query(`SELECT user_id FROM users WHERE is_valid = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
