package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var prefsMigrations = []Migration{
	{
		Version:     1,
		Description: "create prefs table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE prefs (
					namespace  TEXT     NOT NULL,
					key        TEXT     NOT NULL,
					value      TEXT     NOT NULL,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (namespace, key)
				)
			`)
			return err
		},
	},
}

// GetString returns the value stored under namespace/key, or def when absent.
func (s *Store) GetString(ctx context.Context, namespace, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM prefs WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get pref %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

// PutStrings stores every pair in kv under namespace in one transaction.
func (s *Store) PutStrings(ctx context.Context, namespace string, kv map[string]string) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		for k, v := range kv {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO prefs (namespace, key, value) VALUES (?, ?, ?)
				ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
			`, namespace, k, v)
			if err != nil {
				return fmt.Errorf("put pref %s/%s: %w", namespace, k, err)
			}
		}
		return nil
	})
}

// Delete removes namespace/key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM prefs WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		return fmt.Errorf("delete pref %s/%s: %w", namespace, key, err)
	}
	return nil
}
