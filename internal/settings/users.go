package settings

import (
	"database/sql"
	"time"
)

// Users resolves the identity layer's opaque principal strings to
// stable user ids, registering a new row the first time a principal is
// seen. fee_level is an admin-adjustable per-user fee discount tier.
type Users struct {
	db *sql.DB
	s  *Settings
}

func NewUsers(db *sql.DB, s *Settings) *Users {
	return &Users{db: db, s: s}
}

// Resolve returns the user id for principal, creating a new user
// record (via the settings counter) the first time it is seen. The
// second return reports whether a new record was created, so callers
// can mirror the registration onto the admin ETL feed.
func (u *Users) Resolve(principal string, now time.Time) (uint64, bool, error) {
	var id uint64
	err := u.db.QueryRow(`SELECT id FROM users WHERE principal = ?`, principal).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, err
	}
	id = u.s.NextUserID()
	_, err = u.db.Exec(`INSERT INTO users (id, principal, fee_level, created_at) VALUES (?, ?, 0, ?)`, id, principal, now.Unix())
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// List returns every registered user id and principal, for the admin
// backup endpoint.
func (u *Users) List() ([]map[string]interface{}, error) {
	rows, err := u.db.Query(`SELECT id, principal, fee_level, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]interface{}
	for rows.Next() {
		var id uint64
		var principal string
		var feeLevel int
		var createdAt int64
		if err := rows.Scan(&id, &principal, &feeLevel, &createdAt); err != nil {
			return nil, err
		}
		out = append(out, map[string]interface{}{
			"user_id": id, "principal": principal, "fee_level": feeLevel, "created_at": createdAt,
		})
	}
	return out, rows.Err()
}

// Principal returns the registered principal for a user id.
func (u *Users) Principal(userID uint64) (string, error) {
	var p string
	err := u.db.QueryRow(`SELECT principal FROM users WHERE id = ?`, userID).Scan(&p)
	return p, err
}

// FeeLevel returns a user's fee discount tier.
func (u *Users) FeeLevel(userID uint64) (int, error) {
	var level int
	err := u.db.QueryRow(`SELECT fee_level FROM users WHERE id = ?`, userID).Scan(&level)
	return level, err
}

// SetFeeLevel updates a user's fee discount tier (admin op).
func (u *Users) SetFeeLevel(userID uint64, level int) error {
	_, err := u.db.Exec(`UPDATE users SET fee_level = ? WHERE id = ?`, level, userID)
	return err
}

// MaxID returns the highest user id observed, for counter rehydration.
func (u *Users) MaxID() (uint64, error) {
	var id sql.NullInt64
	if err := u.db.QueryRow(`SELECT MAX(id) FROM users`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

// IsAdminUser reports whether userID's registered principal is in the
// admin set. Reserved ids (broadcast, all, system, claims-sweeper)
// never resolve to a principal and are never admin.
func (u *Users) IsAdminUser(userID uint64) bool {
	if userID < FirstNonReservedUserID {
		return false
	}
	principal, err := u.Principal(userID)
	if err != nil {
		return false
	}
	return u.s.IsAdmin(principal)
}
