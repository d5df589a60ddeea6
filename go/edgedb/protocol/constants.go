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

// Package protocol defines EdgeDB binary wire protocol constants and types.
package protocol

// Message type constants for frontend (client) messages
const (
	MsgClientHandshake             = 'V' // Client handshake
	MsgAuthenticationSASLInitial   = 'p' // SASL initial response
	MsgAuthenticationSASLResponse  = 'r' // SASL response
	MsgPrepare                     = 'P' // Prepare
	MsgDescribeStatement           = 'D' // Describe statement
	MsgExecute                     = 'E' // Execute
	MsgExecuteScript               = 'Q' // Execute script (simple query)
	MsgSync                        = 'S' // Sync
	MsgFlush                       = 'H' // Flush
	MsgTerminate                   = 'X' // Terminate
	MsgDump                        = '>' // Dump database
	MsgRestore                     = '<' // Restore database
	MsgRestoreBlock                = '=' // Restore data block
	MsgRestoreEOF                  = '.' // Restore end of stream
)

// Message type constants for backend (server) messages
const (
	MsgServerHandshake        = 'v' // Server handshake (version negotiation)
	MsgAuthentication         = 'R' // Authentication status
	MsgServerKeyData          = 'K' // Server key data
	MsgParameterStatus        = 'S' // Parameter status
	MsgReadyForCommand        = 'Z' // Ready for command
	MsgCommandComplete        = 'C' // Command complete
	MsgData                   = 'D' // Data
	MsgPrepareComplete        = '1' // Prepare complete
	MsgCommandDataDescription = 'T' // Command data description
	MsgErrorResponse          = 'E' // Error response
	MsgLogMessage             = 'L' // Server log message
	MsgDumpHeader             = '@' // Dump header
	MsgDumpBlock              = '=' // Dump data block
	MsgRestoreReady           = '+' // Restore ready
)

// Authentication status codes carried in MsgAuthentication
const (
	AuthOK           = 0  // Authentication successful
	AuthSASL         = 10 // SASL authentication required
	AuthSASLContinue = 11 // SASL continue
	AuthSASLFinal    = 12 // SASL final
)

// SCRAMSHA256 is the only SASL mechanism the server is expected to offer.
const SCRAMSHA256 = "SCRAM-SHA-256"

// Cardinality is the declared bound on a query's result row count.
type Cardinality byte

// Cardinality values
const (
	CardinalityNoResult  Cardinality = 'n' // No result rows allowed
	CardinalityAtMostOne Cardinality = 'o' // Zero or one row
	CardinalityOne       Cardinality = 'A' // Exactly one row
	CardinalityMany      Cardinality = 'm' // Any number of rows
)

// String returns a human-readable name for the cardinality.
func (c Cardinality) String() string {
	switch c {
	case CardinalityNoResult:
		return "NoResult"
	case CardinalityAtMostOne:
		return "AtMostOne"
	case CardinalityOne:
		return "One"
	case CardinalityMany:
		return "Many"
	}
	return "Unknown"
}

// IOFormat selects the encoding of query results.
type IOFormat byte

// IOFormat values
const (
	FormatBinary       IOFormat = 'b' // Binary encoding via codecs
	FormatJSON         IOFormat = 'j' // Single JSON document
	FormatJSONElements IOFormat = 'J' // One JSON document per row
)

// DescribeAspect selects what a DescribeStatement message asks for.
type DescribeAspect byte

// DescribeAspect values
const (
	AspectDataDescription DescribeAspect = 'T' // Input/output type descriptors
)

// TransactionState is the session state byte in ReadyForCommand messages.
type TransactionState byte

// Transaction state indicators for ReadyForCommand
const (
	TxnStateNotInTransaction    TransactionState = 'I' // Idle, not in a transaction
	TxnStateInTransaction       TransactionState = 'T' // Inside a transaction block
	TxnStateInFailedTransaction TransactionState = 'E' // Inside a failed transaction block
)

// Capability bits restrict what a query is allowed to do.
type Capability uint64

// Capability values
const (
	CapabilityModifications    Capability = 1 << 0 // Data modification queries
	CapabilitySessionConfig    Capability = 1 << 1 // Session configuration changes
	CapabilityTransaction      Capability = 1 << 2 // Transaction control statements
	CapabilityDDL              Capability = 1 << 3 // Schema-changing statements
	CapabilityPersistentConfig Capability = 1 << 4 // Persistent configuration changes

	CapabilityAll Capability = 0xffffffffffffffff
)

// Message header keys
const (
	HeaderAllowCapabilities = 0xFF04 // u64 capability mask on Prepare/Execute
)

// Type descriptor tags consumed by the codec builder.
const (
	DescriptorSet          = 0 // Set of another descriptor
	DescriptorObjectShape  = 1 // Object shape with named, flagged fields
	DescriptorBaseScalar   = 2 // Well-known scalar, identified by its UUID
	DescriptorTuple        = 3 // Fixed ordered heterogeneous record
	DescriptorNamedTuple   = 4 // Ordered named fields
	DescriptorArray        = 5 // Array of another descriptor
	DescriptorEnum         = 6 // Enumeration of string members
	DescriptorScalarParent = 7 // Scalar refining a parent scalar

	// DescriptorAnnotationMin marks the start of the annotation range.
	// Tags with the high bit set are forward-compatible annotations and are
	// skipped by the builder rather than rejected.
	DescriptorAnnotationMin = 0x80
)

// Object shape field flags
const (
	FieldFlagImplicit     = 1 << 0 // Field was injected by the server
	FieldFlagLinkProperty = 1 << 1 // Field is a link property
	FieldFlagLink         = 1 << 2 // Field is a link
)

// Severity levels carried in ErrorResponse and LogMessage.
const (
	SeverityDebug   = 20
	SeverityInfo    = 40
	SeverityNotice  = 60
	SeverityWarning = 80
	SeverityError   = 120
	SeverityFatal   = 200
	SeverityPanic   = 255
)

// Protocol version
const (
	ProtocolVersionMajor = 1
	ProtocolVersionMinor = 0
)

// ALPN protocol identifier negotiated during the TLS handshake.
const ALPNProtocol = "edgedb-binary"

// Server parameter names with protocol-level meaning.
const (
	ParamSuggestedPoolConcurrency = "suggested_pool_concurrency"
	ParamSystemConfig             = "system_config"
)
