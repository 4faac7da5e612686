package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sku-render-pipeline/internal/models"
)

// DB wraps the SQL database with helper methods. It archives finished jobs
// for reporting; live job state is never read back from it.
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		total_count INTEGER NOT NULL,
		success_count INTEGER NOT NULL,
		failed_count INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		concurrency INTEGER NOT NULL,
		output_dir_name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tasks (
		job_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		product_name TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER DEFAULT 0,
		artifact_ref TEXT,
		error_message TEXT,
		prompt_used TEXT,
		PRIMARY KEY (job_id, task_id)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		job_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		staged_path TEXT,
		verdict TEXT,
		reason TEXT,
		error_message TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, task_id, attempt)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`

	_, err := db.Exec(schema)
	return err
}

// ArchiveJob writes a finished job, its tasks and every attempt in one transaction.
// Archiving the same job again replaces the earlier rows.
func (db *DB) ArchiveJob(job models.Job, tasks []models.Task) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO jobs (id, status, total_count, success_count, failed_count, max_retries,
		                             concurrency, output_dir_name, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Status, job.TotalCount, job.SuccessCount, job.FailedCount, job.MaxRetries,
		job.Concurrency, job.OutputDirName, job.CreatedAt, nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}

	if _, err := tx.Exec("DELETE FROM attempts WHERE job_id = ?", job.ID); err != nil {
		return err
	}

	for _, task := range tasks {
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO tasks (job_id, task_id, position, product_name, status, retry_count,
			                              artifact_ref, error_message, prompt_used)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.ID, task.ID, task.Index, task.Descriptor.ProductName, string(task.Status), task.RetryCount,
			nullString(task.ArtifactRef), nullString(task.ErrorMessage), nullString(task.PromptUsed))
		if err != nil {
			return fmt.Errorf("archive task %s: %w", task.ID, err)
		}

		for _, a := range task.Attempts {
			var verdict, reason string
			if a.Verdict != nil {
				verdict = string(a.Verdict.Status)
				reason = a.Verdict.Reason
			}
			_, err = tx.Exec(`
				INSERT INTO attempts (job_id, task_id, attempt, seed, staged_path, verdict, reason,
				                      error_message, started_at, finished_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, job.ID, task.ID, a.Index, a.Seed, nullString(a.StagedPath), nullString(verdict),
				nullString(reason), nullString(a.Error), a.StartedAt, a.FinishedAt)
			if err != nil {
				return fmt.Errorf("archive attempt %s/%d: %w", task.ID, a.Index, err)
			}
		}
	}

	return tx.Commit()
}

// ListArchivedJobs returns archived jobs, newest first
func (db *DB) ListArchivedJobs(limit int) ([]models.JobSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, status, total_count, success_count, failed_count, created_at
		FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.JobSummary{}
	for rows.Next() {
		var s models.JobSummary
		if err := rows.Scan(&s.ID, &s.Status, &s.Total, &s.Success, &s.Failed, &s.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, s)
	}
	return jobs, rows.Err()
}

// GetArchivedTasks returns the archived task rows of a job in input order
func (db *DB) GetArchivedTasks(jobID string) ([]models.TaskView, error) {
	rows, err := db.Query(`
		SELECT task_id, product_name, status, retry_count, artifact_ref, error_message
		FROM tasks WHERE job_id = ? ORDER BY position ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// GetMetrics retrieves archive metrics
func (db *DB) GetMetrics() (*models.Metrics, error) {
	var metrics models.Metrics

	queries := []struct {
		query string
		args  []any
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM jobs", nil, &metrics.TotalJobs},
		{"SELECT COUNT(*) FROM jobs WHERE status = ?", []any{models.StatusCompleted}, &metrics.CompletedJobs},
		{"SELECT COUNT(*) FROM tasks", nil, &metrics.TotalTasks},
		{"SELECT COUNT(*) FROM tasks WHERE status = ?", []any{string(models.TaskSuccess)}, &metrics.SucceededTasks},
		{"SELECT COUNT(*) FROM tasks WHERE status = ?", []any{string(models.TaskFailed)}, &metrics.FailedTasks},
		{"SELECT COUNT(*) FROM attempts", nil, &metrics.TotalAttempts},
		{"SELECT COALESCE(SUM(retry_count), 0) FROM tasks", nil, &metrics.TotalRetries},
	}
	for _, q := range queries {
		if err := db.QueryRow(q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	return &metrics, nil
}

// Helper functions

func scanTasks(rows *sql.Rows) ([]models.TaskView, error) {
	tasks := []models.TaskView{}
	for rows.Next() {
		var task models.TaskView
		var status string
		var artifactRef sql.NullString
		var errorMessage sql.NullString

		if err := rows.Scan(&task.ID, &task.ProductName, &status, &task.RetryCount, &artifactRef, &errorMessage); err != nil {
			return nil, err
		}
		task.Status = models.TaskStatus(status)
		if artifactRef.Valid {
			task.ArtifactRef = artifactRef.String
		}
		if errorMessage.Valid {
			task.Error = errorMessage.String
		}

		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
