// Package offline keeps checklist results on the device until they reach the server.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsline/internal/domain"
)

// Entry states.
const (
	StateDraft    = "draft"
	StatePending  = "pending"
	StateInFlight = "in_flight"
	StateDone     = "done"
)

// Local photo reference prefixes. Anything else is treated as already remote.
const (
	BlobPrefix = "blob:"
	FilePrefix = "file:"
)

var (
	ErrNotFound = errors.New("outbox entry not found")
	ErrNoDraft  = errors.New("no draft for work unit")
	// ErrState is returned when an entry is not in the state an operation expects.
	ErrState = errors.New("outbox entry in wrong state")
	// ErrCorrupt marks an entry whose stored responses cannot be decoded.
	ErrCorrupt = errors.New("outbox entry unreadable")
)

// Entry is one checklist result waiting on the device.
type Entry struct {
	ID         string                     `json:"id"`
	TaskID     string                     `json:"task_id"`
	State      string                     `json:"state"`
	Responses  []domain.ChecklistResponse `json:"responses"`
	ExecutedBy string                     `json:"executed_by"`
	Attempts   int                        `json:"attempts"`
	LastError  string                     `json:"last_error,omitempty"`
	CreatedAt  string                     `json:"created_at"`
	UpdatedAt  string                     `json:"updated_at"`
	// Err is set by List when the stored responses could not be decoded. Responses is empty then.
	Err error `json:"-"`
}

// Outbox is the device-local store. DB must be migrated with migrate.MigrateLocal.
type Outbox struct {
	DB  *sql.DB
	Now func() time.Time
}

func (o Outbox) nowString() string {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// --- raw key access ---

func (o Outbox) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := o.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (o Outbox) Set(ctx context.Context, key, value string) error {
	_, err := o.DB.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, o.nowString())
	return err
}

func (o Outbox) Remove(ctx context.Context, key string) error {
	_, err := o.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
	return err
}

// --- entries ---

const entryColumns = `id,task_id,state,responses_json,executed_by,attempts,COALESCE(last_error,''),created_at,updated_at`

// SaveDraft stores the in-progress responses for a work unit, replacing any earlier draft.
func (o Outbox) SaveDraft(ctx context.Context, taskID, executedBy string, responses []domain.ChecklistResponse) (Entry, error) {
	if strings.TrimSpace(taskID) == "" {
		return Entry{}, fmt.Errorf("task id is required")
	}
	data, err := marshalResponses(responses)
	if err != nil {
		return Entry{}, err
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback()
	now := o.nowString()
	e, err := draftTx(ctx, tx, taskID)
	switch {
	case errors.Is(err, ErrNoDraft):
		e = Entry{ID: uuid.New().String(), TaskID: taskID, State: StateDraft, CreatedAt: now}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox(id,task_id,state,responses_json,executed_by,attempts,created_at,updated_at)
			VALUES (?,?,?,?,?,0,?,?)`, e.ID, taskID, StateDraft, data, executedBy, now, now); err != nil {
			return Entry{}, fmt.Errorf("insert draft: %w", err)
		}
	case err != nil && !errors.Is(err, ErrCorrupt):
		return Entry{}, err
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET responses_json=?, executed_by=?, updated_at=? WHERE id=?`,
			data, executedBy, now, e.ID); err != nil {
			return Entry{}, fmt.Errorf("update draft: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	e.Responses = responses
	e.ExecutedBy = executedBy
	e.UpdatedAt = now
	return e, nil
}

// Draft returns the draft of a work unit, or ErrNoDraft.
func (o Outbox) Draft(ctx context.Context, taskID string) (Entry, error) {
	return scanEntry(o.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE task_id=? AND state=?`, taskID, StateDraft), ErrNoDraft)
}

func draftTx(ctx context.Context, tx *sql.Tx, taskID string) (Entry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE task_id=? AND state=?`, taskID, StateDraft), ErrNoDraft)
}

// Finish turns the draft of a work unit into its pending entry. A work unit has at most one queued
// entry: an earlier pending entry is replaced together with photos only it referenced, and finishing
// while an entry of the work unit is being delivered fails with ErrState. The responses are frozen
// from here on except for photo references rewritten during sync.
func (o Outbox) Finish(ctx context.Context, taskID string) (Entry, error) {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback()
	e, err := draftTx(ctx, tx, taskID)
	if err != nil {
		return e, err
	}
	var inFlight int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE task_id=? AND state=?`, taskID, StateInFlight).Scan(&inFlight); err != nil {
		return e, err
	}
	if inFlight > 0 {
		return e, fmt.Errorf("%w: work unit %s is being synced", ErrState, taskID)
	}
	if err := replacePending(ctx, tx, e); err != nil {
		return e, err
	}
	now := o.nowString()
	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET state=?, updated_at=? WHERE id=?`, StatePending, now, e.ID); err != nil {
		return e, fmt.Errorf("finish draft: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return e, err
	}
	e.State = StatePending
	e.UpdatedAt = now
	return e, nil
}

// replacePending drops the pending entries of next's work unit and the blobs that next no longer uses.
func replacePending(ctx context.Context, tx *sql.Tx, next Entry) error {
	rows, err := tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE task_id=? AND state=?`, next.TaskID, StatePending)
	if err != nil {
		return err
	}
	var stale []Entry
	for rows.Next() {
		old, err := scanEntry(rows, ErrNotFound)
		if err != nil && !errors.Is(err, ErrCorrupt) {
			rows.Close()
			return err
		}
		stale = append(stale, old)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	keep := make(map[string]bool, len(next.Responses))
	for _, r := range next.Responses {
		keep[r.PhotoRef] = true
	}
	for _, old := range stale {
		for _, r := range old.Responses {
			if strings.HasPrefix(r.PhotoRef, BlobPrefix) && !keep[r.PhotoRef] {
				if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE ref=?`, r.PhotoRef); err != nil {
					return fmt.Errorf("drop replaced photo: %w", err)
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id=?`, old.ID); err != nil {
			return fmt.Errorf("replace pending entry: %w", err)
		}
	}
	return nil
}

func (o Outbox) GetEntry(ctx context.Context, id string) (Entry, error) {
	return scanEntry(o.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE id=?`, id), ErrNotFound)
}

// List returns entries in the given states, oldest first. No states means every entry.
func (o Outbox) List(ctx context.Context, states ...string) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM outbox`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (` + strings.TrimSuffix(strings.Repeat("?,", len(states)), ",") + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := o.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		e, err := scanEntry(rows, ErrNotFound)
		if errors.Is(err, ErrCorrupt) {
			e.Err = err
		} else if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (o Outbox) Pending(ctx context.Context) ([]Entry, error) {
	return o.List(ctx, StatePending)
}

// MarkInFlight claims a pending entry for delivery.
func (o Outbox) MarkInFlight(ctx context.Context, id string) error {
	return o.move(ctx, id, StatePending, StateInFlight, `attempts=attempts+1`)
}

// Requeue returns an in-flight entry to pending and records why delivery failed.
func (o Outbox) Requeue(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := o.DB.ExecContext(ctx, `UPDATE outbox SET state=?, last_error=?, updated_at=? WHERE id=? AND state=?`,
		StatePending, msg, o.nowString(), id, StateInFlight)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// RequeueStale returns every in-flight entry to pending. Entries are only in flight during a
// flush, so any left over belong to a flush that never finished.
func (o Outbox) RequeueStale(ctx context.Context) (int, error) {
	res, err := o.DB.ExecContext(ctx, `UPDATE outbox SET state=?, last_error=COALESCE(last_error,'interrupted'), updated_at=? WHERE state=?`,
		StatePending, o.nowString(), StateInFlight)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateResponses persists rewritten responses of an in-flight entry.
func (o Outbox) UpdateResponses(ctx context.Context, id string, responses []domain.ChecklistResponse) error {
	data, err := marshalResponses(responses)
	if err != nil {
		return err
	}
	res, err := o.DB.ExecContext(ctx, `UPDATE outbox SET responses_json=?, updated_at=? WHERE id=? AND state=?`,
		data, o.nowString(), id, StateInFlight)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkDone records a delivered entry and drops the draft of the same work unit.
func (o Outbox) MarkDone(ctx context.Context, id string) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var taskID string
	if err := tx.QueryRowContext(ctx, `SELECT task_id FROM outbox WHERE id=?`, id).Scan(&taskID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE outbox SET state=?, last_error=NULL, updated_at=? WHERE id=? AND state=?`,
		StateDone, o.nowString(), id, StateInFlight)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE task_id=? AND state=?`, taskID, StateDraft); err != nil {
		return fmt.Errorf("drop draft: %w", err)
	}
	return tx.Commit()
}

// PurgeDone deletes delivered entries.
func (o Outbox) PurgeDone(ctx context.Context) (int, error) {
	res, err := o.DB.ExecContext(ctx, `DELETE FROM outbox WHERE state=?`, StateDone)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (o Outbox) move(ctx context.Context, id, from, to, extra string) error {
	set := `state=?, updated_at=?`
	if extra != "" {
		set += ", " + extra
	}
	res, err := o.DB.ExecContext(ctx, `UPDATE outbox SET `+set+` WHERE id=? AND state=?`, to, o.nowString(), id, from)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// --- photos ---

// PutBlob stores photo bytes on the device and returns a local reference for a response.
func (o Outbox) PutBlob(ctx context.Context, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("photo is empty")
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	ref := BlobPrefix + uuid.New().String()
	if _, err := o.DB.ExecContext(ctx, `INSERT INTO blobs(ref,content_type,data,created_at) VALUES (?,?,?,?)`,
		ref, contentType, data, o.nowString()); err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return ref, nil
}

// ReadPhoto loads the bytes behind a local reference.
func (o Outbox) ReadPhoto(ctx context.Context, ref string) (string, []byte, error) {
	switch {
	case strings.HasPrefix(ref, BlobPrefix):
		var ct string
		var data []byte
		err := o.DB.QueryRowContext(ctx, `SELECT content_type,data FROM blobs WHERE ref=?`, ref).Scan(&ct, &data)
		if err == sql.ErrNoRows {
			return "", nil, fmt.Errorf("photo %s: %w", ref, ErrNotFound)
		}
		return ct, data, err
	case strings.HasPrefix(ref, FilePrefix):
		data, err := os.ReadFile(strings.TrimPrefix(ref, FilePrefix))
		if err != nil {
			return "", nil, fmt.Errorf("read photo: %w", err)
		}
		return http.DetectContentType(data), data, nil
	default:
		return "", nil, fmt.Errorf("photo %s is not local", ref)
	}
}

func (o Outbox) DeleteBlob(ctx context.Context, ref string) error {
	_, err := o.DB.ExecContext(ctx, `DELETE FROM blobs WHERE ref=?`, ref)
	return err
}

// IsLocalPhoto reports whether ref points at bytes still on the device.
func IsLocalPhoto(ref string) bool {
	return strings.HasPrefix(ref, BlobPrefix) || strings.HasPrefix(ref, FilePrefix)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner, missing error) (Entry, error) {
	var e Entry
	var raw string
	if err := row.Scan(&e.ID, &e.TaskID, &e.State, &raw, &e.ExecutedBy, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return e, missing
		}
		return e, err
	}
	if err := json.Unmarshal([]byte(raw), &e.Responses); err != nil {
		e.Responses = nil
		return e, fmt.Errorf("%w: decode responses of %s: %v", ErrCorrupt, e.ID, err)
	}
	return e, nil
}

func marshalResponses(responses []domain.ChecklistResponse) (string, error) {
	if responses == nil {
		responses = []domain.ChecklistResponse{}
	}
	data, err := json.Marshal(responses)
	if err != nil {
		return "", fmt.Errorf("encode responses: %w", err)
	}
	return string(data), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrState
	}
	return nil
}
