package main

import (
	"database/sql"
	"errors"
	"net"
)

var ErrInvalidAddress = errors.New("invalid ip address format")

// banAddr returns the host part of addr, which is what bans match on
func banAddr(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Ban adds an ip address to the ban list
func (db *DB) Ban(addr, reason string) error {
	if net.ParseIP(addr) == nil {
		return ErrInvalidAddress
	}

	return db.exec(`INSERT INTO ban (
		addr,
		reason
	) VALUES (
		?,
		?
	) ON CONFLICT (addr) DO UPDATE SET reason = excluded.reason;`, addr, reason)
}

// Unban removes an ip address from the ban list
func (db *DB) Unban(addr string) error {
	return db.exec(`DELETE FROM ban WHERE addr = ?;`, addr)
}

// IsBanned reports whether addr is banned and why
func (db *DB) IsBanned(addr string) (bool, string, error) {
	var reason string
	err := db.QueryRow(`SELECT reason FROM ban WHERE addr = ?;`, []interface{}{addr}, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return true, "", err
	}

	return true, reason, nil
}

// BanList returns the banned ip addresses and their reasons
func (db *DB) BanList() (map[string]string, error) {
	rows, err := db.Query(`SELECT addr, reason FROM ban;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	r := make(map[string]string)

	for rows.Next() {
		var addr, reason string

		if err = rows.Scan(&addr, &reason); err != nil {
			return nil, err
		}

		r[addr] = reason
	}

	return r, rows.Err()
}
