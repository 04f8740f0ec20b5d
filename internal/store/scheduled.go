package store

import (
	"database/sql"
	"time"
)

// InsertScheduledMessage persists a message for later dispatch and returns
// the store-assigned id.
func (db *DB) InsertScheduledMessage(m *ScheduledMessage) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO scheduled_messages (user_id, type, content, recipients, schedule_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.Type, m.Content, m.Recipients, m.ScheduleDate, StatusPending, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingScheduledMessages returns every message still awaiting dispatch,
// oldest first.
func (db *DB) PendingScheduledMessages() ([]ScheduledMessage, error) {
	rows, err := db.Query(`
		SELECT id, user_id, type, content, recipients, schedule_date, status, COALESCE(failed_reason, '')
		FROM scheduled_messages WHERE status = ? ORDER BY schedule_date ASC`, StatusPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanScheduled(rows)
}

// ScheduledMessagesForUser returns every scheduled message for one user,
// newest first.
func (db *DB) ScheduledMessagesForUser(userID string) ([]ScheduledMessage, error) {
	rows, err := db.Query(`
		SELECT id, user_id, type, content, recipients, schedule_date, status, COALESCE(failed_reason, '')
		FROM scheduled_messages WHERE user_id = ? ORDER BY schedule_date DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanScheduled(rows)
}

// SetScheduledMessageStatus records the outcome of a dispatch attempt.
func (db *DB) SetScheduledMessageStatus(id int64, status, failedReason string) error {
	var reason any
	if failedReason != "" {
		reason = failedReason
	}
	_, err := db.Exec(`UPDATE scheduled_messages SET status = ?, failed_reason = ? WHERE id = ?`,
		status, reason, id)
	return err
}

// DeleteScheduledMessage removes a scheduled message. Returns the number of
// rows affected so callers can distinguish a missing id.
func (db *DB) DeleteScheduledMessage(id int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM scheduled_messages WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanScheduled(rows *sql.Rows) ([]ScheduledMessage, error) {
	var msgs []ScheduledMessage
	for rows.Next() {
		var m ScheduledMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &m.Content, &m.Recipients,
			&m.ScheduleDate, &m.Status, &m.FailedReason); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
