package journal

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpdateVariant names which of the eight stable maps a db_updates entry
// describes.
type UpdateVariant string

const (
	VariantUserMap     UpdateVariant = "UserMap"
	VariantTokenMap     UpdateVariant = "TokenMap"
	VariantPoolMap      UpdateVariant = "PoolMap"
	VariantTxMap        UpdateVariant = "TxMap"
	VariantRequestMap   UpdateVariant = "RequestMap"
	VariantTransferMap  UpdateVariant = "TransferMap"
	VariantClaimMap     UpdateVariant = "ClaimMap"
	VariantLPTokenMap   UpdateVariant = "LPTokenMap"
)

// Update is one entry in the admin ETL feed.
type Update struct {
	ID      uint64
	Variant UpdateVariant
	Payload json.RawMessage
	Ts      time.Time
}

// Feed is the append-only db_updates log external collaborators tail
// and acknowledge via Ack.
type Feed struct {
	db *sql.DB
}

func NewFeed(db *sql.DB) *Feed {
	return &Feed{db: db}
}

// Append records one mutation event under the given variant.
func (f *Feed) Append(updateID uint64, variant UpdateVariant, payload interface{}, ts time.Time) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = f.db.Exec(`INSERT INTO db_updates (update_id, variant, payload_json, ts) VALUES (?, ?, ?, ?)`,
		updateID, string(variant), string(payloadJSON), ts.Unix())
	return err
}

// Since returns every update with id > afterID, in order, for an ETL
// consumer to tail.
func (f *Feed) Since(afterID uint64) ([]Update, error) {
	rows, err := f.db.Query(`SELECT update_id, variant, payload_json, ts FROM db_updates WHERE update_id > ? ORDER BY update_id`, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Update
	for rows.Next() {
		var u Update
		var variant, payload string
		var ts int64
		if err := rows.Scan(&u.ID, &variant, &payload, &ts); err != nil {
			return nil, err
		}
		u.Variant = UpdateVariant(variant)
		u.Payload = json.RawMessage(payload)
		u.Ts = time.Unix(ts, 0)
		out = append(out, u)
	}
	return out, rows.Err()
}

// RemoveUpToAndIncluding deletes every update with id <= upToID,
// implementing remove_db_updates(<=id) for ack support.
func (f *Feed) RemoveUpToAndIncluding(upToID uint64) (int64, error) {
	res, err := f.db.Exec(`DELETE FROM db_updates WHERE update_id <= ?`, upToID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MaxID returns the highest update id observed, for counter rehydration.
func (f *Feed) MaxID() (uint64, error) {
	var id sql.NullInt64
	if err := f.db.QueryRow(`SELECT MAX(update_id) FROM db_updates`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}
