package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

const workerColumns = `id,name,status,capacity,active_count,completed_count,active,created_at,updated_at`

type WorkerFilters struct {
	FrontID    string
	Status     string
	ActiveOnly bool
}

func (r Repo) InsertWorker(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	if w.Capacity <= 0 {
		w.Capacity = 1
	}
	if w.Status == "" {
		w.Status = domain.WorkerAvailable
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(`+workerColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, w.Status, w.Capacity, w.ActiveCount, w.CompletedCount, w.Active, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return err
	}
	return r.SetWorkerFronts(ctx, tx, w.ID, w.WorkFronts)
}

// SetWorkerFronts replaces the worker's front memberships.
func (r Repo) SetWorkerFronts(ctx context.Context, tx *sql.Tx, workerID string, fronts []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM worker_fronts WHERE worker_id=?`, workerID); err != nil {
		return err
	}
	for _, f := range fronts {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO worker_fronts(worker_id, work_front_id) VALUES (?,?)`, workerID, f); err != nil {
			return err
		}
	}
	return nil
}

// UpdateWorker persists status and counters.
func (r Repo) UpdateWorker(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	res, err := tx.ExecContext(ctx, `UPDATE workers SET name=?, status=?, capacity=?, active_count=?, completed_count=?, active=?, updated_at=? WHERE id=?`,
		w.Name, w.Status, w.Capacity, w.ActiveCount, w.CompletedCount, w.Active, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	return getWorker(ctx, r.DB, id)
}

func (r Repo) GetWorkerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Worker, error) {
	return getWorker(ctx, tx, id)
}

func getWorker(ctx context.Context, q queryer, id string) (domain.Worker, error) {
	w, err := scanWorker(q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.WorkFronts, err = workerFronts(ctx, q, w.ID)
	return w, err
}

func (r Repo) ListWorkers(ctx context.Context, f WorkerFilters) ([]domain.Worker, error) {
	return listWorkers(ctx, r.DB, f)
}

func (r Repo) ListWorkersTx(ctx context.Context, tx *sql.Tx, f WorkerFilters) ([]domain.Worker, error) {
	return listWorkers(ctx, tx, f)
}

// listWorkers orders by id so callers get a deterministic candidate order.
func listWorkers(ctx context.Context, q queryer, f WorkerFilters) ([]domain.Worker, error) {
	var clauses []string
	var args []any
	if f.FrontID != "" {
		clauses = append(clauses, "id IN (SELECT worker_id FROM worker_fronts WHERE work_front_id=?)")
		args = append(args, f.FrontID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := q.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		fronts, err := workerFronts(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].WorkFronts = fronts
	}
	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (domain.Worker, error) {
	var w domain.Worker
	err := row.Scan(&w.ID, &w.Name, &w.Status, &w.Capacity, &w.ActiveCount, &w.CompletedCount, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func workerFronts(ctx context.Context, q queryer, workerID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT work_front_id FROM worker_fronts WHERE worker_id=? ORDER BY work_front_id ASC`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	fronts := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		fronts = append(fronts, id)
	}
	return fronts, rows.Err()
}
