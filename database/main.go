// Package database is the adapter's repository layer. It persists local,
// source, and destination application entities, inference requests, and
// inference jobs in PostgreSQL. Every operation is a single transaction; the
// core never needs multi-row transactions.
package database

import (
	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/jmoiron/sqlx"
)

var log = common.Log

// Store wraps the database handle with the adapter's queries.
type Store struct {
	DB *sqlx.DB
}

// New returns a Store using the given database handle.
func New(db *sqlx.DB) *Store {
	return &Store{DB: db}
}
