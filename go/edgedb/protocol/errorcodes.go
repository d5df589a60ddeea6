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

// Server error codes. Codes form a hierarchy: a code belongs to the
// category given by zeroing its trailing bytes, so 0x05030101 is a
// TransactionError (0x05030000) and an ExecutionError (0x05000000).
const (
	CodeInternalServerError     uint32 = 0x01000000
	CodeUnsupportedFeature      uint32 = 0x02000000
	CodeProtocolError           uint32 = 0x03000000
	CodeBinaryProtocolError     uint32 = 0x03010000
	CodeUnsupportedProtocol     uint32 = 0x03010001
	CodeTypeSpecNotFound        uint32 = 0x03010002
	CodeUnexpectedMessage       uint32 = 0x03010003
	CodeQueryError              uint32 = 0x04000000
	CodeInvalidSyntax           uint32 = 0x04010000
	CodeInvalidType             uint32 = 0x04020000
	CodeExecutionError          uint32 = 0x05000000
	CodeInvalidValue            uint32 = 0x05010000
	CodeIntegrityError          uint32 = 0x05020000
	CodeConstraintViolation     uint32 = 0x05020001
	CodeCardinalityViolation    uint32 = 0x05020002
	CodeTransactionError        uint32 = 0x05030000
	CodeTransactionConflict     uint32 = 0x05030100
	CodeTransactionSerialization uint32 = 0x05030101
	CodeTransactionDeadlock     uint32 = 0x05030102
	CodeConfigurationError      uint32 = 0x06000000
	CodeAccessError             uint32 = 0x07000000
	CodeAuthenticationFailed    uint32 = 0x07010000
	CodeAvailabilityError       uint32 = 0x08000000
	CodeBackendUnavailable      uint32 = 0x08000001
)

// codeNames maps exact error codes to their server-side names.
var codeNames = map[uint32]string{
	CodeInternalServerError:      "InternalServerError",
	CodeUnsupportedFeature:       "UnsupportedFeatureError",
	CodeProtocolError:            "ProtocolError",
	CodeBinaryProtocolError:      "BinaryProtocolError",
	CodeUnsupportedProtocol:      "UnsupportedProtocolVersionError",
	CodeTypeSpecNotFound:         "TypeSpecNotFoundError",
	CodeUnexpectedMessage:        "UnexpectedMessageError",
	CodeQueryError:               "QueryError",
	CodeInvalidSyntax:            "InvalidSyntaxError",
	CodeInvalidType:              "InvalidTypeError",
	CodeExecutionError:           "ExecutionError",
	CodeInvalidValue:             "InvalidValueError",
	CodeIntegrityError:           "IntegrityError",
	CodeConstraintViolation:      "ConstraintViolationError",
	CodeCardinalityViolation:     "CardinalityViolationError",
	CodeTransactionError:         "TransactionError",
	CodeTransactionConflict:      "TransactionConflictError",
	CodeTransactionSerialization: "TransactionSerializationError",
	CodeTransactionDeadlock:      "TransactionDeadlockError",
	CodeConfigurationError:       "ConfigurationError",
	CodeAccessError:              "AccessError",
	CodeAuthenticationFailed:     "AuthenticationError",
	CodeAvailabilityError:        "AvailabilityError",
	CodeBackendUnavailable:       "BackendUnavailableError",
}

// ErrorName returns the server-side name for an error code, or an empty
// string if the code is not recognized.
func ErrorName(code uint32) string {
	return codeNames[code]
}

// CodeInCategory reports whether code falls under the given category code.
// A category is identified by its trailing zero bytes; every leading
// non-zero byte of the category must match the code.
func CodeInCategory(code, category uint32) bool {
	mask := uint32(0)
	for shift := 0; shift < 32; shift += 8 {
		if category&(0xff<<shift) != 0 {
			mask = 0xffffffff << shift
			break
		}
	}
	return code&mask == category
}
