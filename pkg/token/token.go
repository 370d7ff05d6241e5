// Marketwatch is a Steam Community Market monitoring service.
// Copyright (C) 2026 Marketwatch Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package token hashes and verifies admin API bearer tokens. Only the
// bcrypt hash is ever stored or configured; the plaintext token lives
// with the operator.
package token

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost parameter used for new hashes.
const DefaultCost = 12

// ErrMismatch is returned by Verify when the token does not match.
var ErrMismatch = errors.New("invalid token")

// Hash returns the bcrypt hash of a plaintext token, suitable for the
// ADMIN_TOKEN_HASH setting.
func Hash(tok string) (string, error) {
	if tok == "" {
		return "", errors.New("token cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(tok), DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hashed), nil
}

// Verify compares a presented token against its stored bcrypt hash.
func Verify(tok, hash string) error {
	if tok == "" || hash == "" {
		return ErrMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatch
		}
		return fmt.Errorf("verify token: %w", err)
	}
	return nil
}
