package repo

import (
	"context"
	"database/sql"

	"fabline/internal/domain"
)

// ReplaceStagesTx rewrites the stage catalog inside the caller's
// transaction. Bootstrap uses this to sync the DB with fabline.yml.
func (r Repo) ReplaceStagesTx(ctx context.Context, tx *sql.Tx, stages []domain.Stage) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages`); err != nil {
		return err
	}
	for _, s := range stages {
		_, err := tx.ExecContext(ctx, `INSERT INTO stages(name,label,ord,depends_on,required_role,estimated_duration_hours) VALUES (?,?,?,?,?,?)`,
			s.Name, s.Label, s.Order, s.DependsOn, s.RequiredRole, s.EstimatedDurationHours)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListStages returns the catalog in pipeline order.
func (r Repo) ListStages(ctx context.Context) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,label,ord,depends_on,required_role,estimated_duration_hours FROM stages ORDER BY ord ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.Name, &s.Label, &s.Order, &s.DependsOn, &s.RequiredRole, &s.EstimatedDurationHours); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
