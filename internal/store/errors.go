package store

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrBusy is returned when the database stayed locked through every retry.
var ErrBusy = errors.New("store: database busy")

// ErrSchemaMismatch is returned when the on-disk schema version is not the
// one this build owns. Unrecoverable; callers should exit.
var ErrSchemaMismatch = errors.New("store: schema version mismatch")
