package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"opsline/internal/domain"
)

func (r Repo) InsertChecklist(ctx context.Context, c domain.ChecklistTemplate) error {
	if c.Items == nil {
		c.Items = []domain.ChecklistItem{}
	}
	items, err := json.Marshal(c.Items)
	if err != nil {
		return err
	}
	if c.CreatedAt == "" {
		c.CreatedAt = nowString()
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO checklists(id,name,task_type,active,items_json,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Name, c.TaskType, c.Active, string(items), c.CreatedAt)
	return err
}

func (r Repo) GetChecklist(ctx context.Context, id string) (domain.ChecklistTemplate, error) {
	c, err := scanChecklist(r.DB.QueryRowContext(ctx, `SELECT id,name,task_type,active,items_json,created_at FROM checklists WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// FirstActiveChecklist returns the oldest active template for a work-unit type.
func (r Repo) FirstActiveChecklist(ctx context.Context, taskType string) (domain.ChecklistTemplate, error) {
	c, err := scanChecklist(r.DB.QueryRowContext(ctx, `SELECT id,name,task_type,active,items_json,created_at FROM checklists
WHERE task_type=? AND active=1 ORDER BY created_at ASC, id ASC LIMIT 1`, taskType))
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListChecklists(ctx context.Context, taskType string) ([]domain.ChecklistTemplate, error) {
	query := `SELECT id,name,task_type,active,items_json,created_at FROM checklists`
	var args []any
	if taskType != "" {
		query += ` WHERE task_type=?`
		args = append(args, taskType)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistTemplate
	for rows.Next() {
		c, err := scanChecklist(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanChecklist(row rowScanner) (domain.ChecklistTemplate, error) {
	var c domain.ChecklistTemplate
	var items string
	if err := row.Scan(&c.ID, &c.Name, &c.TaskType, &c.Active, &items, &c.CreatedAt); err != nil {
		return c, err
	}
	c.Items = []domain.ChecklistItem{}
	if items != "" {
		if err := json.Unmarshal([]byte(items), &c.Items); err != nil {
			return c, err
		}
	}
	return c, nil
}

// InsertExecution stores an execution record once. It reports false when the id already exists.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.ChecklistExecution) (bool, error) {
	if e.Responses == nil {
		e.Responses = []domain.ChecklistResponse{}
	}
	responses, err := json.Marshal(e.Responses)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO checklist_executions(id,task_id,responses_json,executed_by,executed_at,created_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.TaskID, string(responses), e.ExecutedBy, e.ExecutedAt, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListExecutions(ctx context.Context, taskID string) ([]domain.ChecklistExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,responses_json,executed_by,executed_at,created_at FROM checklist_executions WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistExecution
	for rows.Next() {
		var e domain.ChecklistExecution
		var responses string
		if err := rows.Scan(&e.ID, &e.TaskID, &responses, &e.ExecutedBy, &e.ExecutedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(responses), &e.Responses); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// InsertPhoto stores an uploaded checklist photo.
func (r Repo) InsertPhoto(ctx context.Context, id, taskID, contentType string, data []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO photos(id,task_id,content_type,data,created_at) VALUES (?,?,?,?,?)`,
		id, taskID, contentType, data, nowString())
	return err
}

func (r Repo) GetPhoto(ctx context.Context, id string) (string, []byte, error) {
	var contentType string
	var data []byte
	err := r.DB.QueryRowContext(ctx, `SELECT content_type,data FROM photos WHERE id=?`, id).Scan(&contentType, &data)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	return contentType, data, err
}
