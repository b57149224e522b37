// Package journal is the request/reply audit log: every externally
// triggered operation opens a request record here, appends status
// codes as the engine advances, and sets a typed reply exactly once.
// Records move to the archive partition after one hour.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/kongswap/kong-backend/pkg/logging"
)

var ErrNotFound = errors.New("journal: not found")

const ArchiveAfter = time.Hour

// StatusEntry is one append to a request's status progression.
type StatusEntry struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// Request is the full journal record for one operation.
type Request struct {
	ID       uint64
	UserID   uint64
	BodyKind string
	BodyJSON json.RawMessage
	Statuses []StatusEntry
	Reply    json.RawMessage // nil until the operation reaches a terminal state
	Ts       time.Time
	Archived bool
}

// Journal is the process-wide request/reply log.
type Journal struct {
	db  *sql.DB
	log *logging.Logger
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, log: logging.GetDefault().Component("journal")}
}

// Open inserts a new request record with its initial "Start" status.
func (j *Journal) Open(requestID, userID uint64, bodyKind string, body interface{}, ts time.Time) (Request, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		ID: requestID, UserID: userID, BodyKind: bodyKind, BodyJSON: bodyJSON,
		Statuses: []StatusEntry{{Code: "Start", Ts: ts.Unix()}},
		Ts:       ts,
	}
	statusesJSON, _ := json.Marshal(req.Statuses)
	_, err = j.db.Exec(`INSERT INTO requests (id, user_id, body_kind, body_json, statuses_json, reply_json, ts, archived)
		VALUES (?, ?, ?, ?, ?, NULL, ?, 0)`,
		req.ID, req.UserID, req.BodyKind, string(bodyJSON), string(statusesJSON), req.Ts.Unix())
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// AppendStatus appends one status code (with an optional message) to a
// request's progression.
func (j *Journal) AppendStatus(requestID uint64, code, message string, ts time.Time) error {
	req, err := j.Get(requestID)
	if err != nil {
		return err
	}
	req.Statuses = append(req.Statuses, StatusEntry{Code: code, Message: message, Ts: ts.Unix()})
	statusesJSON, err := json.Marshal(req.Statuses)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(`UPDATE requests SET statuses_json = ? WHERE id = ?`, string(statusesJSON), requestID)
	return err
}

// SetReply sets the final reply for a request. Idempotent: calling it
// twice overwrites, callers are expected to call it exactly once.
func (j *Journal) SetReply(requestID uint64, reply interface{}) error {
	replyJSON, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(`UPDATE requests SET reply_json = ? WHERE id = ?`, string(replyJSON), requestID)
	return err
}

// Get returns a request record by id.
func (j *Journal) Get(requestID uint64) (Request, error) {
	row := j.db.QueryRow(`SELECT id, user_id, body_kind, body_json, statuses_json, reply_json, ts, archived
		FROM requests WHERE id = ?`, requestID)
	return scanRequest(row)
}

// ForUser returns every request for a user, most recent first.
func (j *Journal) ForUser(userID uint64) ([]Request, error) {
	rows, err := j.db.Query(`SELECT id, user_id, body_kind, body_json, statuses_json, reply_json, ts, archived
		FROM requests WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		var req Request
		var bodyJSON, statusesJSON string
		var replyJSON sql.NullString
		var ts int64
		if err := rows.Scan(&req.ID, &req.UserID, &req.BodyKind, &bodyJSON, &statusesJSON, &replyJSON, &ts, &req.Archived); err != nil {
			return nil, err
		}
		req.BodyJSON = json.RawMessage(bodyJSON)
		if err := json.Unmarshal([]byte(statusesJSON), &req.Statuses); err != nil {
			return nil, err
		}
		if replyJSON.Valid {
			req.Reply = json.RawMessage(replyJSON.String)
		}
		req.Ts = time.Unix(ts, 0)
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListAll returns up to limit request records, most recent first,
// archived included. limit <= 0 means no cap; the admin backup endpoint
// passes an explicit cap so one call can't drag the whole history over
// the wire.
func (j *Journal) ListAll(limit int) ([]Request, error) {
	q := `SELECT id, user_id, body_kind, body_json, statuses_json, reply_json, ts, archived
		FROM requests ORDER BY id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = j.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = j.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		var req Request
		var bodyJSON, statusesJSON string
		var replyJSON sql.NullString
		var ts int64
		if err := rows.Scan(&req.ID, &req.UserID, &req.BodyKind, &bodyJSON, &statusesJSON, &replyJSON, &ts, &req.Archived); err != nil {
			return nil, err
		}
		req.BodyJSON = json.RawMessage(bodyJSON)
		if err := json.Unmarshal([]byte(statusesJSON), &req.Statuses); err != nil {
			return nil, err
		}
		if replyJSON.Valid {
			req.Reply = json.RawMessage(replyJSON.String)
		}
		req.Ts = time.Unix(ts, 0)
		out = append(out, req)
	}
	return out, rows.Err()
}

// ArchiveOlderThan marks every unarchived request older than `before`
// as archived. Used by the request-archiver sweeper.
func (j *Journal) ArchiveOlderThan(before time.Time) (int64, error) {
	res, err := j.db.Exec(`UPDATE requests SET archived = 1 WHERE archived = 0 AND ts < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RemoveArchived permanently deletes archived requests older than
// `before`; an admin-triggered operation per the archive-retention model.
func (j *Journal) RemoveArchived(before time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM requests WHERE archived = 1 AND ts < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MaxID returns the highest request id observed, for counter rehydration.
func (j *Journal) MaxID() (uint64, error) {
	var id sql.NullInt64
	if err := j.db.QueryRow(`SELECT MAX(id) FROM requests`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

func scanRequest(row *sql.Row) (Request, error) {
	var req Request
	var bodyJSON, statusesJSON string
	var replyJSON sql.NullString
	var ts int64
	err := row.Scan(&req.ID, &req.UserID, &req.BodyKind, &bodyJSON, &statusesJSON, &replyJSON, &ts, &req.Archived)
	if err == sql.ErrNoRows {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	req.BodyJSON = json.RawMessage(bodyJSON)
	if err := json.Unmarshal([]byte(statusesJSON), &req.Statuses); err != nil {
		return Request{}, err
	}
	if replyJSON.Valid {
		req.Reply = json.RawMessage(replyJSON.String)
	}
	req.Ts = time.Unix(ts, 0)
	return req, nil
}
