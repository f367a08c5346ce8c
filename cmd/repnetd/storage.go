package main

import (
	"database/sql"
	"errors"
)

// SetStorageItem updates a plugin storage entry and inserts it if it
// doesn't exist. An empty value deletes the entry.
func (db *DB) SetStorageItem(key, value string) error {
	if value == "" {
		return db.exec(`DELETE FROM storage WHERE key = ?;`, key)
	}

	return db.exec(`INSERT INTO storage (
		key,
		value
	) VALUES (
		?,
		?
	) ON CONFLICT (key) DO UPDATE SET value = excluded.value;`, key, value)
}

// StorageItem reads a plugin storage entry, "" if there is none
func (db *DB) StorageItem(key string) (string, error) {
	var r string
	err := db.QueryRow(`SELECT value FROM storage WHERE key = ?;`, []interface{}{key}, &r)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	return r, err
}
