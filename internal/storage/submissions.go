package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/tsuuchi/internal/models"
)

const submissionColumns = `id, name, tags, archive_channel_id, category_id, text, record, updated_at`

// PutSubmission inserts or replaces a submission. A zero UpdatedAt is set to now.
func (s *SQLiteStorage) PutSubmission(ctx context.Context, sub *models.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	tags := sub.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	var recordJSON sql.NullString
	if sub.Record != nil {
		b, err := json.Marshal(sub.Record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		recordJSON = sql.NullString{String: string(b), Valid: true}
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   tags = excluded.tags,
		   archive_channel_id = excluded.archive_channel_id,
		   category_id = excluded.category_id,
		   text = excluded.text,
		   record = excluded.record,
		   updated_at = excluded.updated_at`,
		sub.ID, sub.Name, string(tagsJSON), sub.ArchiveChannelID, sub.CategoryID, sub.Text, recordJSON, sub.UpdatedAt,
	)
	return err
}

func scanSubmission(row scanner) (*models.Submission, error) {
	var sub models.Submission
	var tagsJSON string
	var recordJSON sql.NullString
	if err := row.Scan(&sub.ID, &sub.Name, &tagsJSON, &sub.ArchiveChannelID, &sub.CategoryID, &sub.Text, &recordJSON, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &sub.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags of %s: %w", sub.ID, err)
	}
	if len(sub.Tags) == 0 {
		sub.Tags = nil
	}
	if recordJSON.Valid && recordJSON.String != "" {
		if err := json.Unmarshal([]byte(recordJSON.String), &sub.Record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record of %s: %w", sub.ID, err)
		}
	}
	return &sub, nil
}

// GetSubmission returns a submission by ID.
func (s *SQLiteStorage) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, err
}

// DeleteSubmission removes a submission and its embedding record.
func (s *SQLiteStorage) DeleteSubmission(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_records WHERE id = ?`, id); err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ListSubmissions returns submissions with offset and limit, most recently updated first.
func (s *SQLiteStorage) ListSubmissions(ctx context.Context, offset, limit int) ([]*models.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SubmissionNames returns the names of the given submissions. Unknown IDs are omitted.
func (s *SQLiteStorage) SubmissionNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM submissions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

// PutEmbedding inserts or replaces an embedding record.
func (s *SQLiteStorage) PutEmbedding(ctx context.Context, rec models.EmbeddingRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("embedding record id cannot be empty")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding_records (id, vector, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, updated_at = excluded.updated_at`,
		rec.ID, encodeVector(rec.Vector), rec.UpdatedAt,
	)
	return err
}

// GetEmbedding returns the embedding record for id.
func (s *SQLiteStorage) GetEmbedding(ctx context.Context, id string) (*models.EmbeddingRecord, error) {
	var rec models.EmbeddingRecord
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, vector, updated_at FROM embedding_records WHERE id = ?`, id,
	).Scan(&rec.ID, &blob, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Vector = decodeVector(blob)
	return &rec, nil
}

// EmbeddingRecords returns every stored embedding record ordered by ID.
func (s *SQLiteStorage) EmbeddingRecords(ctx context.Context) ([]models.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, vector, updated_at FROM embedding_records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.EmbeddingRecord
	for rows.Next() {
		var rec models.EmbeddingRecord
		var blob []byte
		if err := rows.Scan(&rec.ID, &blob, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Vector = decodeVector(blob)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func encodeVector(v []int8) []byte {
	b := make([]byte, len(v))
	for i, x := range v {
		b[i] = byte(x)
	}
	return b
}

func decodeVector(b []byte) []int8 {
	v := make([]int8, len(b))
	for i, x := range b {
		v[i] = int8(x)
	}
	return v
}
