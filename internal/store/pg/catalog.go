package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"patientq/internal/domain"
	"patientq/internal/util"
)

// Reads over entities owned by upstream CRUD. The core only consumes them.

func (s *Store) ConditionsForQueue(ctx context.Context, queueID string) ([]domain.Condition, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, queue_id, template_id, operator, COALESCE(value,0),
		       COALESCE(min_value,0), COALESCE(max_value,0), lifecycle
		FROM conditions
		WHERE queue_id=$1
		ORDER BY id ASC
	`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Condition
	for rows.Next() {
		var c domain.Condition
		if err := rows.Scan(&c.ID, &c.QueueID, &c.TemplateID, &c.Operator,
			&c.Value, &c.MinValue, &c.MaxValue, &c.Lifecycle); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, queue_id, COALESCE(condition_id,''), content FROM templates WHERE id=$1
	`, id)
	var t domain.Template
	err := row.Scan(&t.ID, &t.QueueID, &t.ConditionID, &t.Content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{}, false, nil
		}
		return domain.Template{}, false, err
	}
	return t, true, nil
}

// PatientVars builds the token map for content resolution. CQP is filled by
// the caller from the message's position.
func (s *Store) PatientVars(ctx context.Context, patientID string) (map[string]string, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT name, COALESCE(phone,'') FROM patients WHERE id=$1`, patientID)
	var name, phone string
	err := row.Scan(&name, &phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return map[string]string{"PN": name, "PHONE": util.NormalizePhone(phone)}, true, nil
}
