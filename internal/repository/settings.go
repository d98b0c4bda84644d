package repository

import (
	"database/sql"
)

type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the value for a key, or empty string if not found.
func (r *SettingsRepository) Get(key string) (string, error) {
	var value string
	query := `SELECT value FROM settings WHERE key = $1`
	err := r.db.QueryRow(query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores or updates a setting.
func (r *SettingsRepository) Set(key, value string) error {
	query := `INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = CURRENT_TIMESTAMP`
	_, err := r.db.Exec(query, key, value)
	return err
}

// GetAll returns all settings as a map.
func (r *SettingsRepository) GetAll() (map[string]string, error) {
	query := `SELECT key, value FROM settings`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// Delete removes a setting.
func (r *SettingsRepository) Delete(key string) error {
	query := `DELETE FROM settings WHERE key = $1`
	_, err := r.db.Exec(query, key)
	return err
}
