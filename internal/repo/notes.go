package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

const noteColumns = `id,number,type,status,priority,COALESCE(destination_work_front_id,''),created_at,updated_at`

type NoteFilters struct {
	Statuses []string
	Limit    int
}

func (r Repo) InsertNote(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notes(id,number,type,status,priority,destination_work_front_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.Number, n.Type, n.Status, n.Priority, nullable(n.DestinationWorkFrontID), n.CreatedAt, n.UpdatedAt)
	return err
}

func (r Repo) UpdateNoteStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE notes SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetNote(ctx context.Context, id string) (domain.Note, error) {
	return getNote(ctx, r.DB, id)
}

func (r Repo) GetNoteTx(ctx context.Context, tx *sql.Tx, id string) (domain.Note, error) {
	return getNote(ctx, tx, id)
}

func getNote(ctx context.Context, q queryer, id string) (domain.Note, error) {
	var n domain.Note
	err := q.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id=?`, id).
		Scan(&n.ID, &n.Number, &n.Type, &n.Status, &n.Priority, &n.DestinationWorkFrontID, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

// ListNotes returns notes oldest first so automation handles them in arrival order.
func (r Repo) ListNotes(ctx context.Context, f NoteFilters) ([]domain.Note, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + noteColumns + ` FROM notes ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.Number, &n.Type, &n.Status, &n.Priority, &n.DestinationWorkFrontID, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
