package main

import (
	"bytes"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HimbeerserverDE/repnet"
)

var errNoMedia = errors.New("media not found")

func mediaDigest(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// PutMedia stores or replaces a media file
func (db *DB) PutMedia(name string, data []byte) error {
	return db.exec(`INSERT INTO media (
		name,
		digest,
		data
	) VALUES (
		?,
		?,
		?
	) ON CONFLICT (name) DO UPDATE SET digest = excluded.digest, data = excluded.data;`, name, mediaDigest(data), data)
}

// Media returns the data and digest of a media file
func (db *DB) Media(name string) ([]byte, string, error) {
	var data []byte
	var digest string

	err := db.QueryRow(`SELECT data, digest FROM media WHERE name = ?;`, []interface{}{name}, &data, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", errNoMedia
	}
	if err != nil {
		return nil, "", err
	}

	return data, digest, nil
}

// MediaList returns the names of every stored media file
func (db *DB) MediaList() ([]string, error) {
	rows, err := db.Query(`SELECT name FROM media ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// importMedia stores every regular file of dir under its base name
func (db *DB) importMedia(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}

		if err := db.PutMedia(e.Name(), data); err != nil {
			return n, err
		}
		n++
	}

	return n, nil
}

// mediaWriter collects an incoming transfer and stores it on Commit.
type mediaWriter struct {
	db   *DB
	name string
	size int
	buf  bytes.Buffer
	done func(error)
}

var _ repnet.BlobWriter = (*mediaWriter)(nil)

func (w *mediaWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.size {
		return 0, fmt.Errorf("media %s exceeds announced size %d", w.name, w.size)
	}
	return w.buf.Write(p)
}

func (w *mediaWriter) Commit() error {
	err := w.db.PutMedia(w.name, w.buf.Bytes())
	w.finish(err)
	return err
}

func (w *mediaWriter) Abort() {
	w.buf.Reset()
	w.finish(repnet.ErrTransferCancelled)
}

func (w *mediaWriter) finish(err error) {
	if w.done != nil {
		w.done(err)
		w.done = nil
	}
}

// cacheStrategy succeeds when the media is already stored.
func cacheStrategy(db *DB) repnet.Strategy {
	return repnet.StrategyFunc(func(name string, done func(error)) error {
		if _, _, err := db.Media(name); err != nil {
			return err
		}

		done(nil)
		return nil
	})
}

// dirStrategy imports the media from a local directory.
func dirStrategy(db *DB, dir string) repnet.Strategy {
	return repnet.StrategyFunc(func(name string, done func(error)) error {
		if filepath.Base(name) != name {
			return errNoMedia
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return errNoMedia
			}
			return err
		}

		if err := db.PutMedia(name, data); err != nil {
			return err
		}

		done(nil)
		return nil
	})
}
