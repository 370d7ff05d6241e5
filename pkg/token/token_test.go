package token

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

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("s3kret-token")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("hash %q does not look like bcrypt", hash)
	}
	if err := Verify("s3kret-token", hash); err != nil {
		t.Errorf("Verify with the right token: %v", err)
	}
	if err := Verify("wrong", hash); !errors.Is(err, ErrMismatch) {
		t.Errorf("Verify with the wrong token = %v, want ErrMismatch", err)
	}
}

func TestEmptyInputs(t *testing.T) {
	if _, err := Hash(""); err == nil {
		t.Error("Hash of empty token should fail")
	}
	if err := Verify("", "somehash"); !errors.Is(err, ErrMismatch) {
		t.Errorf("Verify with empty token = %v, want ErrMismatch", err)
	}
	if err := Verify("tok", ""); !errors.Is(err, ErrMismatch) {
		t.Errorf("Verify with empty hash = %v, want ErrMismatch", err)
	}
}
