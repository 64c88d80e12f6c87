// Package storage defines the Persistence Gateway contract: a transactional
// boundary over the entity model in internal/domain that stages domain
// events alongside writes and only hands them to the Event Bus after commit.
package storage

import "errors"

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an optimistic version check fails: a Put
// whose version does not match the stored row. RunInTx does not retry; the
// error reaches the caller.
var ErrConflict = errors.New("storage: version conflict")

// ErrAlreadyExists is returned by inserts that collide with a uniqueness
// constraint other than the primary key (idempotency key, wallet, etc).
var ErrAlreadyExists = errors.New("storage: already exists")
