package store

import (
	"database/sql"
	"fmt"
	"time"
)

type CronJob struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Name       string     `json:"name"`
	CronExpr   string     `json:"cron_expr"`
	Action     string     `json:"action"`
	Params     string     `json:"params,omitempty"`
	Status     string     `json:"status"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanCronJob(scanner interface {
	Scan(dest ...any) error
}) (*CronJob, error) {
	j := &CronJob{}
	var params, lastStatus, lastError *string
	err := scanner.Scan(&j.ID, &j.AgentID, &j.Name, &j.CronExpr, &j.Action,
		&params, &j.Status, &j.LastRunAt, &lastStatus, &lastError, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if params != nil {
		j.Params = *params
	}
	if lastStatus != nil {
		j.LastStatus = *lastStatus
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return j, nil
}

func (s *Store) SaveCronJob(j *CronJob) error {
	_, err := s.db.Exec(`
		INSERT INTO cron_jobs (id, agent_id, name, cron_expr, action, params, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			name = excluded.name,
			cron_expr = excluded.cron_expr,
			action = excluded.action,
			params = excluded.params,
			status = excluded.status`,
		j.ID, j.AgentID, j.Name, j.CronExpr, j.Action, j.Params, j.Status)
	if err != nil {
		return fmt.Errorf("save cron job: %w", err)
	}
	return nil
}

func (s *Store) GetCronJob(id string) (*CronJob, error) {
	row := s.db.QueryRow(`
		SELECT id, agent_id, name, cron_expr, action, params, status,
		       last_run_at, last_status, last_error, created_at
		FROM cron_jobs WHERE id = ?`, id)
	j, err := scanCronJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cron job: %w", err)
	}
	return j, nil
}

func (s *Store) ListCronJobs() ([]CronJob, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, name, cron_expr, action, params, status,
		       last_run_at, last_status, last_error, created_at
		FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateCronJobRun records one fire of a job: the run timestamp plus
// its outcome. The schedule itself is untouched; failed fires keep
// firing.
func (s *Store) UpdateCronJobRun(id string, lastStatus, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE cron_jobs
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?
		WHERE id = ?`, lastStatus, lastError, id)
	return err
}

func (s *Store) DeleteCronJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}
