// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeInCategory(t *testing.T) {
	tests := []struct {
		name     string
		code     uint32
		category uint32
		want     bool
	}{
		{"serialization is a transaction conflict", CodeTransactionSerialization, CodeTransactionConflict, true},
		{"deadlock is a transaction conflict", CodeTransactionDeadlock, CodeTransactionConflict, true},
		{"conflict is itself", CodeTransactionConflict, CodeTransactionConflict, true},
		{"conflict is a transaction error", CodeTransactionConflict, CodeTransactionError, true},
		{"conflict is an execution error", CodeTransactionConflict, CodeExecutionError, true},
		{"constraint violation is not a transaction conflict", CodeConstraintViolation, CodeTransactionConflict, false},
		{"integrity is not a transaction error", CodeIntegrityError, CodeTransactionError, false},
		{"query error is not an execution error", CodeQueryError, CodeExecutionError, false},
		{"auth failure under access errors", CodeAuthenticationFailed, CodeAccessError, true},
		{"exact leaf matches itself", CodeTransactionSerialization, CodeTransactionSerialization, true},
		{"sibling leaf does not match", CodeTransactionDeadlock, CodeTransactionSerialization, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeInCategory(tt.code, tt.category))
		})
	}
}

func TestErrorName(t *testing.T) {
	assert.Equal(t, "TransactionSerializationError", ErrorName(CodeTransactionSerialization))
	assert.Equal(t, "AuthenticationError", ErrorName(CodeAuthenticationFailed))
	assert.Equal(t, "", ErrorName(0x7f7f7f7f))
}

func TestCardinalityString(t *testing.T) {
	assert.Equal(t, "AtMostOne", CardinalityAtMostOne.String())
	assert.Equal(t, "Many", CardinalityMany.String())
	assert.Equal(t, "Unknown", Cardinality('x').String())
}
