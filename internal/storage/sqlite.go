package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	memory := dbPath == MemoryPath
	if dir := filepath.Dir(dbPath); !memory && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL UNIQUE,
		code TEXT NOT NULL,
		subscribed_user_ids TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		archive_channel_id TEXT NOT NULL DEFAULT '',
		category_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		record TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_updated_at ON submissions(updated_at);

	CREATE TABLE IF NOT EXISTS embedding_records (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS names (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Subscriptions returns every subscription rule in insertion order.
func (s *SQLiteStorage) Subscriptions(ctx context.Context) ([]models.SubscriptionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, code, subscribed_user_ids FROM subscriptions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []models.SubscriptionRule{}
	for rows.Next() {
		rule, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*models.SubscriptionRule, error) {
	var rule models.SubscriptionRule
	var usersJSON string
	if err := row.Scan(&rule.ChannelID, &rule.Code, &usersJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(usersJSON), &rule.SubscribedUserIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscribers of %s: %w", rule.ChannelID, err)
	}
	if rule.SubscribedUserIDs == nil {
		rule.SubscribedUserIDs = []string{}
	}
	return &rule, nil
}

// GetSubscription returns the rule for channelID.
func (s *SQLiteStorage) GetSubscription(ctx context.Context, channelID string) (*models.SubscriptionRule, error) {
	rule, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT channel_id, code, subscribed_user_ids FROM subscriptions WHERE channel_id = ?`, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", channelID, ErrNotFound)
	}
	return rule, err
}

// PutSubscription inserts a rule or updates an existing one in place, keeping its position.
func (s *SQLiteStorage) PutSubscription(ctx context.Context, rule models.SubscriptionRule) error {
	if strings.TrimSpace(rule.ChannelID) == "" {
		return fmt.Errorf("subscription channel id cannot be empty")
	}
	users := rule.SubscribedUserIDs
	if users == nil {
		users = []string{}
	}
	usersJSON, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (channel_id, code, subscribed_user_ids, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   code = excluded.code,
		   subscribed_user_ids = excluded.subscribed_user_ids,
		   updated_at = excluded.updated_at`,
		rule.ChannelID, rule.Code, string(usersJSON),
	)
	return err
}

// DeleteSubscription removes the rule for channelID.
func (s *SQLiteStorage) DeleteSubscription(ctx context.Context, channelID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE channel_id = ?`, channelID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", channelID, ErrNotFound)
	}
	return nil
}

// AddSubscriber subscribes userID to channelID. Adding an existing subscriber is a no-op.
func (s *SQLiteStorage) AddSubscriber(ctx context.Context, channelID, userID string) error {
	return s.updateSubscribers(ctx, channelID, func(users []string) []string {
		if slices.Contains(users, userID) {
			return users
		}
		return append(users, userID)
	})
}

// RemoveSubscriber unsubscribes userID from channelID.
func (s *SQLiteStorage) RemoveSubscriber(ctx context.Context, channelID, userID string) error {
	return s.updateSubscribers(ctx, channelID, func(users []string) []string {
		return slices.DeleteFunc(users, func(u string) bool { return u == userID })
	})
}

func (s *SQLiteStorage) updateSubscribers(ctx context.Context, channelID string, update func([]string) []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rule, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT channel_id, code, subscribed_user_ids FROM subscriptions WHERE channel_id = ?`, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("subscription %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	usersJSON, err := json.Marshal(update(rule.SubscribedUserIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal subscribers: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET subscribed_user_ids = ?, updated_at = CURRENT_TIMESTAMP WHERE channel_id = ?`,
		string(usersJSON), channelID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetName records the display name of an archive channel or category.
func (s *SQLiteStorage) SetName(ctx context.Context, kind NameKind, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO names (kind, id, name) VALUES (?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET name = excluded.name`,
		string(kind), id, name)
	return err
}

// ResolveNames returns the display names of sub's archive channel and category.
// An ID without a recorded name resolves to the ID itself.
func (s *SQLiteStorage) ResolveNames(ctx context.Context, sub *models.Submission) (string, string, error) {
	channel, err := s.lookupName(ctx, NameArchiveChannel, sub.ArchiveChannelID)
	if err != nil {
		return "", "", err
	}
	category, err := s.lookupName(ctx, NameCategory, sub.CategoryID)
	if err != nil {
		return "", "", err
	}
	return channel, category, nil
}

func (s *SQLiteStorage) lookupName(ctx context.Context, kind NameKind, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM names WHERE kind = ? AND id = ?`, string(kind), id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s %s: %w", kind, id, err)
	}
	return name, nil
}

// CountSubscriptions returns the number of subscription rules.
func (s *SQLiteStorage) CountSubscriptions(ctx context.Context) (int64, error) {
	return s.count(ctx, "subscriptions")
}

// CountSubmissions returns the number of stored submissions.
func (s *SQLiteStorage) CountSubmissions(ctx context.Context) (int64, error) {
	return s.count(ctx, "submissions")
}

// CountEmbeddings returns the number of stored embedding records.
func (s *SQLiteStorage) CountEmbeddings(ctx context.Context) (int64, error) {
	return s.count(ctx, "embedding_records")
}

func (s *SQLiteStorage) count(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
