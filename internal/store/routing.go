package store

import "database/sql"

// InsertRoutingRule stores a routing rule. Callers are responsible for the
// symmetric-duplicate check; see chats.Service.
func (db *DB) InsertRoutingRule(r *RoutingRule) error {
	_, err := db.Exec(`
		INSERT INTO routing_rules (id, user_id, from_jid, to_jid, from_name, to_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.FromJID, r.ToJID, r.FromName, r.ToName, r.CreatedAt)
	return err
}

// RoutingRuleExists reports whether a rule exists for the exact
// (userID, fromJID, toJID) triple.
func (db *DB) RoutingRuleExists(userID, fromJID, toJID string) (bool, error) {
	var id string
	err := db.QueryRow(`
		SELECT id FROM routing_rules WHERE user_id = ? AND from_jid = ? AND to_jid = ?`,
		userID, fromJID, toJID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RoutingRulesByOrigin returns the rules matching an inbound message origin.
func (db *DB) RoutingRulesByOrigin(userID, fromJID string) ([]RoutingRule, error) {
	rows, err := db.Query(`
		SELECT id, user_id, from_jid, to_jid, from_name, to_name, created_at
		FROM routing_rules WHERE user_id = ? AND from_jid = ?`, userID, fromJID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// RoutingRulesForUser returns all rules for a user, newest first.
func (db *DB) RoutingRulesForUser(userID string) ([]RoutingRule, error) {
	rows, err := db.Query(`
		SELECT id, user_id, from_jid, to_jid, from_name, to_name, created_at
		FROM routing_rules WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// GetRoutingRule returns one rule by id, or nil if absent.
func (db *DB) GetRoutingRule(id string) (*RoutingRule, error) {
	var r RoutingRule
	err := db.QueryRow(`
		SELECT id, user_id, from_jid, to_jid, from_name, to_name, created_at
		FROM routing_rules WHERE id = ?`, id).
		Scan(&r.ID, &r.UserID, &r.FromJID, &r.ToJID, &r.FromName, &r.ToName, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRoutingRule removes a rule, optionally scoped to a user. Returns the
// number of rows affected.
func (db *DB) DeleteRoutingRule(userID, id string) (int64, error) {
	var res sql.Result
	var err error
	if userID != "" {
		res, err = db.Exec(`DELETE FROM routing_rules WHERE user_id = ? AND id = ?`, userID, id)
	} else {
		res, err = db.Exec(`DELETE FROM routing_rules WHERE id = ?`, id)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRules(rows *sql.Rows) ([]RoutingRule, error) {
	var rules []RoutingRule
	for rows.Next() {
		var r RoutingRule
		if err := rows.Scan(&r.ID, &r.UserID, &r.FromJID, &r.ToJID, &r.FromName, &r.ToName, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
