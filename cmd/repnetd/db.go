package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteInit = `
CREATE TABLE IF NOT EXISTS ban (
	addr VARCHAR(64) PRIMARY KEY NOT NULL,
	reason VARCHAR(256) NOT NULL
);
CREATE TABLE IF NOT EXISTS media (
	name VARCHAR(256) PRIMARY KEY NOT NULL,
	digest VARCHAR(64) NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS storage (
	key VARCHAR(512) PRIMARY KEY NOT NULL,
	value VARCHAR(512) NOT NULL
);
`

const psqlInit = `
CREATE TABLE IF NOT EXISTS ban (
	addr VARCHAR(64) PRIMARY KEY NOT NULL,
	reason VARCHAR(256) NOT NULL
);
CREATE TABLE IF NOT EXISTS media (
	name VARCHAR(256) PRIMARY KEY NOT NULL,
	digest VARCHAR(64) NOT NULL,
	data BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS storage (
	key VARCHAR(512) PRIMARY KEY NOT NULL,
	value VARCHAR(512) NOT NULL
);
`

type DB struct {
	*sql.DB
	psql bool
}

// OpenSQLite3 opens and returns a SQLite3 database in dir
func OpenSQLite3(dir, name, initSQL string) (*DB, error) {
	os.Mkdir(dir, 0777)

	db, err := sql.Open("sqlite3", filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(initSQL); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{DB: db}, nil
}

// OpenPSQL opens and returns a PostgreSQL database
func OpenPSQL(host, name, user, password string, port uint16, initSQL string) (*DB, error) {
	psqlconn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable", host, port, user, password, name)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(initSQL); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{DB: db, psql: true}, nil
}

// openDB opens the backend selected by db:backend
func openDB() (*DB, error) {
	switch backend := confString("db:backend", "sqlite3"); backend {
	case "sqlite3":
		return OpenSQLite3(confString("db:dir", "storage"), confString("db:name", "repnet.sqlite"), sqliteInit)
	case "postgres":
		return OpenPSQL(
			confString("db:host", "localhost"),
			confString("db:name", "repnet"),
			confString("db:user", "repnet"),
			confString("db:password", ""),
			uint16(confInt("db:port", 5432)),
			psqlInit,
		)
	default:
		return nil, fmt.Errorf("unknown database backend %q", backend)
	}
}

// rebind rewrites ? placeholders to the numbered form postgres expects
func (db *DB) rebind(query string) string {
	if !db.psql {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

func (db *DB) exec(query string, args ...interface{}) error {
	_, err := db.DB.Exec(db.rebind(query), args...)
	return err
}

// QueryRow executes a SQL statement and stores the results
func (db *DB) QueryRow(query string, values []interface{}, results ...interface{}) error {
	return db.DB.QueryRow(db.rebind(query), values...).Scan(results...)
}
