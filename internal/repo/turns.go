package repo

import (
	"context"
	"database/sql"
	"errors"

	"pveassist/internal/domain"
)

func (r Repo) InsertTurn(ctx context.Context, t domain.Turn) error {
	_, err := r.DB.ExecContext(ctx, insertTurnSQL, turnArgs(t)...)
	return err
}

func (r Repo) InsertTurnTx(ctx context.Context, tx *sql.Tx, t domain.Turn) error {
	_, err := tx.ExecContext(ctx, insertTurnSQL, turnArgs(t)...)
	return err
}

const insertTurnSQL = `INSERT INTO turns(id,project_id,ts,chapter,user_message,reply,source,used_fallback,patches_json) VALUES (?,?,?,?,?,?,?,?,?)`

func turnArgs(t domain.Turn) []any {
	return []any{t.ID, t.ProjectID, t.TS, t.Chapter, t.UserMessage, t.Reply, t.Source, t.UsedFallback, nullable(t.PatchesJSON)}
}

// RecentTurns returns up to limit of the latest turns of a project, oldest first.
func (r Repo) RecentTurns(ctx context.Context, projectID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,ts,chapter,user_message,reply,source,used_fallback,COALESCE(patches_json,'')
FROM turns WHERE project_id=? ORDER BY rowid DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Turn
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.TS, &t.Chapter, &t.UserMessage, &t.Reply, &t.Source, &t.UsedFallback, &t.PatchesJSON); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// LastTurnChapter is the chapter of the latest stored turn.
func (r Repo) LastTurnChapter(ctx context.Context, projectID string) (string, error) {
	var chapter string
	err := r.DB.QueryRowContext(ctx, `SELECT chapter FROM turns WHERE project_id=? ORDER BY rowid DESC LIMIT 1`, projectID).Scan(&chapter)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return chapter, err
}

func (r Repo) DeleteTurns(ctx context.Context, projectID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM turns WHERE project_id=?`, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
