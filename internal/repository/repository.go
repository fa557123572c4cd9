// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New creates a new repository based on configuration. The startup ping is
// retried with exponential backoff for up to cfg.ConnectTimeout.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var dsn string
	var err error

	switch cfg.Driver {
	case "sqlite":
		dsn, err = sqliteDSN(cfg)
	case "postgres":
		dsn = postgresDSN(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver: %s", domain.ErrInvalidConfiguration, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if err := pingWithBackoff(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := runMigrations(cfg.Driver, dsn); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}, nil
}

func pingWithBackoff(db *sql.DB, cfg domain.RepositoryConfig) error {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attempt := 0
	operation := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			slog.Warn("database ping failed",
				"driver", cfg.Driver,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		return nil
	}

	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.MaxElapsedTime = timeout

	return backoff.Retry(operation, backoffStrategy)
}

// SaveSplit stores a split, replacing any previous copy with the same ID.
func (r *SQLRepository) SaveSplit(ctx context.Context, split *domain.Split) error {
	payload, err := json.Marshal(split)
	if err != nil {
		return fmt.Errorf("failed to encode split: %w", err)
	}

	query := `
		INSERT INTO splits (
			id, creator_id, creator_wallet_address, total_amount, participant_count,
			preferred_currency, status, created_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			creator_wallet_address = excluded.creator_wallet_address,
			total_amount = excluded.total_amount,
			participant_count = excluded.participant_count,
			preferred_currency = excluded.preferred_currency,
			status = excluded.status,
			payload = excluded.payload
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		split.ID, split.CreatorID, split.CreatorWalletAddress,
		split.TotalAmount, split.ParticipantCount,
		split.PreferredCurrency, split.Status,
		split.CreatedAt.UTC(), string(payload),
	)
	return err
}

// GetSplit retrieves a split by ID.
func (r *SQLRepository) GetSplit(ctx context.Context, splitID string) (*domain.Split, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM splits WHERE id = ?`), splitID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: split %s", domain.ErrNotFound, splitID)
	}
	if err != nil {
		return nil, err
	}

	var split domain.Split
	if err := json.Unmarshal([]byte(payload), &split); err != nil {
		return nil, fmt.Errorf("failed to decode split %s: %w", splitID, err)
	}
	return &split, nil
}

// GetUserHistory aggregates a creator's stored splits. Unknown creators get
// an empty history.
func (r *SQLRepository) GetUserHistory(ctx context.Context, creatorID string) (*domain.UserHistory, error) {
	query := `
		SELECT COUNT(*),
			   SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			   AVG(total_amount)
		FROM splits
		WHERE creator_id = ?
	`

	var total int
	var completed sql.NullInt64
	var avg sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), domain.SplitCompleted, creatorID).Scan(&total, &completed, &avg); err != nil {
		return nil, fmt.Errorf("failed to aggregate splits: %w", err)
	}

	h := &domain.UserHistory{
		UserID:          creatorID,
		TotalSplits:     total,
		CompletedSplits: int(completed.Int64),
		AvgAmount:       avg.Float64,
	}
	if total == 0 {
		return h, nil
	}

	first, err := r.splitTime(ctx, creatorID, "ASC")
	if err != nil {
		return nil, err
	}
	last, err := r.splitTime(ctx, creatorID, "DESC")
	if err != nil {
		return nil, err
	}
	h.FirstSplitAt = &first
	h.LastSplitAt = &last
	return h, nil
}

// splitTime returns the creator's earliest or latest split time. Min and max
// are read through ORDER BY so the driver sees a typed timestamp column.
func (r *SQLRepository) splitTime(ctx context.Context, creatorID, order string) (time.Time, error) {
	query := `SELECT created_at FROM splits WHERE creator_id = ? ORDER BY created_at ` + order + ` LIMIT 1`
	var t time.Time
	if err := r.db.QueryRowContext(ctx, r.rebind(query), creatorID).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("failed to read split time: %w", err)
	}
	return t.UTC(), nil
}

// SaveAlert stores the result of one scoring call with its feature snapshot.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("%w: alert_id is required", domain.ErrInvalidInput)
	}

	flags, _ := json.Marshal(nonNil(alert.Flags))
	names, _ := json.Marshal(nonNil(alert.FeatureNames))
	values, _ := json.Marshal(nonNil(alert.FeatureValues))

	query := `
		INSERT INTO alerts (
			id, entity_type, entity_id, risk_score, risk_level, flags,
			model_version, schema_name, feature_names, feature_values, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, string(alert.EntityType), alert.EntityID,
		alert.RiskScore, string(alert.RiskLevel), string(flags),
		alert.ModelVersion, alert.Schema, string(names), string(values),
		alert.CreatedAt.UTC(),
	)
	return err
}

const alertColumns = `id, entity_type, entity_id, risk_score, risk_level, flags,
	model_version, schema_name, feature_names, feature_values, created_at`

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), alertID)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}
	return alert, err
}

// ListAlerts returns the newest alerts first.
func (r *SQLRepository) ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var a domain.Alert
	var entityType, level, flags, names, values string

	if err := s.Scan(
		&a.ID, &entityType, &a.EntityID, &a.RiskScore, &level, &flags,
		&a.ModelVersion, &a.Schema, &names, &values, &a.CreatedAt,
	); err != nil {
		return nil, err
	}

	a.EntityType = domain.EntityType(entityType)
	a.RiskLevel = domain.RiskLevel(level)
	a.CreatedAt = a.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(flags), &a.Flags); err != nil {
		return nil, fmt.Errorf("failed to parse alert flags for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(names), &a.FeatureNames); err != nil {
		return nil, fmt.Errorf("failed to parse feature names for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(values), &a.FeatureValues); err != nil {
		return nil, fmt.Errorf("failed to parse feature values for %s: %w", a.ID, err)
	}
	return &a, nil
}

// LabeledSamples joins alerts with their most recent feedback label,
// newest alerts first.
func (r *SQLRepository) LabeledSamples(ctx context.Context, limit int) ([]domain.LabeledSample, error) {
	query := `
		SELECT a.id, a.schema_name, a.feature_names, a.feature_values, l.is_fraud
		FROM alerts a
		JOIN (
			SELECT alert_id, is_fraud,
				   ROW_NUMBER() OVER (PARTITION BY alert_id ORDER BY created_at DESC, id DESC) AS rn
			FROM feedback
		) l ON l.alert_id = a.id AND l.rn = 1
		ORDER BY a.created_at DESC, a.id DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.LabeledSample
	for rows.Next() {
		var s domain.LabeledSample
		var names, values string
		var fraud int
		if err := rows.Scan(&s.AlertID, &s.Schema, &names, &values, &fraud); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(names), &s.Names); err != nil {
			return nil, fmt.Errorf("failed to parse feature names for %s: %w", s.AlertID, err)
		}
		if err := json.Unmarshal([]byte(values), &s.Values); err != nil {
			return nil, fmt.Errorf("failed to parse feature values for %s: %w", s.AlertID, err)
		}
		s.IsFraud = fraud == 1
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// PutJob upserts a training job.
func (r *SQLRepository) PutJob(ctx context.Context, job *domain.TrainingJob) error {
	metrics := ""
	if job.Metrics != nil {
		b, err := json.Marshal(job.Metrics)
		if err != nil {
			return fmt.Errorf("failed to encode job metrics: %w", err)
		}
		metrics = string(b)
	}

	query := `
		INSERT INTO training_jobs (
			id, model_type, status, progress, metrics, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			metrics = excluded.metrics,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		job.ID, string(job.ModelType), string(job.Status), job.Progress,
		metrics, job.Error, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return err
}

const jobColumns = `id, model_type, status, progress, metrics, error, created_at, updated_at`

// GetJob retrieves a training job by ID.
func (r *SQLRepository) GetJob(ctx context.Context, jobID string) (*domain.TrainingJob, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+jobColumns+` FROM training_jobs WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, err
}

// ListJobs returns the newest jobs first.
func (r *SQLRepository) ListJobs(ctx context.Context, limit int) ([]*domain.TrainingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM training_jobs ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.TrainingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(s scanner) (*domain.TrainingJob, error) {
	var j domain.TrainingJob
	var modelType, status, metrics string

	if err := s.Scan(
		&j.ID, &modelType, &status, &j.Progress, &metrics, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	j.ModelType = domain.ModelType(modelType)
	j.Status = domain.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if metrics != "" {
		if err := json.Unmarshal([]byte(metrics), &j.Metrics); err != nil {
			return nil, fmt.Errorf("failed to parse job metrics for %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

// PutFeedback appends a feedback record. Records are never updated.
func (r *SQLRepository) PutFeedback(ctx context.Context, fb *domain.FeedbackRecord) error {
	fraud := 0
	if fb.IsFraud {
		fraud = 1
	}

	query := `
		INSERT INTO feedback (
			id, alert_id, is_fraud, feedback_type, notes, reviewed_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fb.ID, fb.AlertID, fraud, string(fb.FeedbackType),
		fb.Notes, fb.ReviewedBy, fb.CreatedAt.UTC(),
	)
	return err
}

const feedbackColumns = `id, alert_id, is_fraud, feedback_type, notes, reviewed_by, created_at`

// GetFeedback retrieves a feedback record by ID.
func (r *SQLRepository) GetFeedback(ctx context.Context, feedbackID string) (*domain.FeedbackRecord, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+feedbackColumns+` FROM feedback WHERE id = ?`), feedbackID)
	fb, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: feedback %s", domain.ErrNotFound, feedbackID)
	}
	return fb, err
}

// ListFeedback returns feedback newest first; limit <= 0 returns everything.
func (r *SQLRepository) ListFeedback(ctx context.Context, limit int) ([]*domain.FeedbackRecord, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.FeedbackRecord
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, fb)
	}
	return records, rows.Err()
}

func scanFeedback(s scanner) (*domain.FeedbackRecord, error) {
	var fb domain.FeedbackRecord
	var fraud int
	var fbType string

	if err := s.Scan(
		&fb.ID, &fb.AlertID, &fraud, &fbType, &fb.Notes, &fb.ReviewedBy, &fb.CreatedAt,
	); err != nil {
		return nil, err
	}
	fb.IsFraud = fraud == 1
	fb.FeedbackType = domain.FeedbackType(fbType)
	fb.CreatedAt = fb.CreatedAt.UTC()
	return &fb, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
