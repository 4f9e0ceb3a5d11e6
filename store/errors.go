// Copyright 2025 The mark authors
// This file is part of the mark library.
//
// The mark library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The mark library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the mark library. If not, see <http://www.gnu.org/licenses/>.

package store

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a lookup by id misses.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned on unique-constraint violations. Callers use
	// it as a "somebody already did it" signal (earmarks per invoice, swap
	// order ids).
	ErrDuplicate = errors.New("store: duplicate")

	// ErrNotInitialized is returned when the shared pool is read before
	// Initialize has been called.
	ErrNotInitialized = errors.New("store: database not initialized")
)

const pqUniqueViolation = "23505"

// wrapPQ converts driver-level unique violations into ErrDuplicate so callers
// never match on Postgres error codes.
func wrapPQ(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrDuplicate
	}
	return err
}
