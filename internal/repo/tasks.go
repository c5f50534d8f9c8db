package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

const taskColumns = `id,type,title,priority,work_front_id,assigned_workers_json,assigned_names_json,required_count,status,source_event_id,checklist_id,created_at,updated_at,started_at,completed_at`

type TaskFilters struct {
	Status        string
	FrontID       string
	SourceEventID string
	WorkerID      string
	Limit         int
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.WorkUnit) error {
	workers, err := marshalStrings(t.AssignedWorkers)
	if err != nil {
		return err
	}
	names, err := marshalStrings(t.AssignedNames)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Title, t.Priority, t.WorkFrontID, workers, names, t.RequiredCount, t.Status,
		nullableStringPtr(t.SourceEventID), nullableStringPtr(t.ChecklistID), t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.WorkUnit) error {
	workers, err := marshalStrings(t.AssignedWorkers)
	if err != nil {
		return err
	}
	names, err := marshalStrings(t.AssignedNames)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET type=?, title=?, priority=?, work_front_id=?, assigned_workers_json=?, assigned_names_json=?, required_count=?, status=?, checklist_id=?, updated_at=?, started_at=?, completed_at=? WHERE id=?`,
		t.Type, t.Title, t.Priority, t.WorkFrontID, workers, names, t.RequiredCount, t.Status,
		nullableStringPtr(t.ChecklistID), t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.WorkUnit, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkUnit, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q queryer, id string) (domain.WorkUnit, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.WorkUnit, error) {
	return listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.WorkUnit, error) {
	return listTasks(ctx, tx, f)
}

// TasksBySourceEvent returns the work units created from an upstream note.
func (r Repo) TasksBySourceEvent(ctx context.Context, noteID string) ([]domain.WorkUnit, error) {
	return listTasks(ctx, r.DB, TaskFilters{SourceEventID: noteID})
}

func listTasks(ctx context.Context, q queryer, f TaskFilters) ([]domain.WorkUnit, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.FrontID != "" {
		clauses = append(clauses, "work_front_id=?")
		args = append(args, f.FrontID)
	}
	if f.SourceEventID != "" {
		clauses = append(clauses, "source_event_id=?")
		args = append(args, f.SourceEventID)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.assigned_workers_json) WHERE json_each.value=?)")
		args = append(args, f.WorkerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkUnit
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func scanTask(row rowScanner) (domain.WorkUnit, error) {
	var t domain.WorkUnit
	var workers, names string
	var sourceEventID, checklistID, startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.Title, &t.Priority, &t.WorkFrontID, &workers, &names, &t.RequiredCount, &t.Status,
		&sourceEventID, &checklistID, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return t, err
	}
	if t.AssignedWorkers, err = unmarshalStrings(workers); err != nil {
		return t, err
	}
	if t.AssignedNames, err = unmarshalStrings(names); err != nil {
		return t, err
	}
	t.SourceEventID = stringPtr(sourceEventID)
	t.ChecklistID = stringPtr(checklistID)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	return t, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
