// AlephAuto is a pipeline job orchestration and monitoring service.
// Copyright (C) 2026 Matthew Burns
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

package auth

import (
	"strings"
	"testing"
)

func TestHashToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{
			name:    "Valid token",
			token:   "deploy-token-123",
			wantErr: false,
		},
		{
			name:    "Complex token",
			token:   "T0k3n!#$%^&*()_+-=[]{}|;:,.<>?",
			wantErr: false,
		},
		{
			name:    "Empty token",
			token:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HashToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !strings.HasPrefix(hash, "$2") {
				t.Errorf("expected bcrypt hash prefix, got %q", hash)
			}
			if err := VerifyToken(tt.token, hash); err != nil {
				t.Errorf("VerifyToken() round trip failed: %v", err)
			}
		})
	}
}

func TestVerifyTokenMismatch(t *testing.T) {
	hash, err := HashToken("correct-token")
	if err != nil {
		t.Fatalf("HashToken() failed: %v", err)
	}
	if err := VerifyToken("wrong-token", hash); err == nil {
		t.Fatal("expected mismatch error, got nil")
	}
	if err := VerifyToken("", hash); err == nil {
		t.Fatal("expected error for empty token, got nil")
	}
	if err := VerifyToken("correct-token", ""); err == nil {
		t.Fatal("expected error for empty hash, got nil")
	}
}
