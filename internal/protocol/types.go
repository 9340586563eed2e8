// Package protocol defines the tagged-union message schema of the PostgreSQL
// v3 frontend/backend wire protocol: the message type bytes, their names for
// logging, and the protocol constants. Message bodies are parsed and written
// by the callers of internal/frame. See https://www.postgresql.org/docs/current/protocol-message-formats.html
package protocol

// ClientMessage represents a client (frontend) pgwire message tag.
type ClientMessage byte

// ServerMessage represents a server (backend) pgwire message tag.
type ServerMessage byte

// http://www.postgresql.org/docs/current/protocol-message-formats.html
const (
	ClientBind        ClientMessage = 'B'
	ClientClose       ClientMessage = 'C'
	ClientDescribe    ClientMessage = 'D'
	ClientExecute     ClientMessage = 'E'
	ClientFlush       ClientMessage = 'H'
	ClientParse       ClientMessage = 'P'
	ClientPassword    ClientMessage = 'p'
	ClientQuery       ClientMessage = 'Q'
	ClientSync        ClientMessage = 'S'
	ClientTerminate   ClientMessage = 'X'

	ServerAuth                 ServerMessage = 'R'
	ServerBackendKeyData       ServerMessage = 'K'
	ServerBindComplete         ServerMessage = '2'
	ServerCloseComplete        ServerMessage = '3'
	ServerCommandComplete      ServerMessage = 'C'
	ServerDataRow              ServerMessage = 'D'
	ServerEmptyQuery           ServerMessage = 'I'
	ServerErrorResponse        ServerMessage = 'E'
	ServerNoData               ServerMessage = 'n'
	ServerNoticeResponse       ServerMessage = 'N'
	ServerNotificationResponse ServerMessage = 'A'
	ServerParameterDescription ServerMessage = 't'
	ServerParameterStatus      ServerMessage = 'S'
	ServerParseComplete        ServerMessage = '1'
	ServerPortalSuspended      ServerMessage = 's'
	ServerReady                ServerMessage = 'Z'
	ServerRowDescription       ServerMessage = 'T'
)

// StartupVersion is the protocol 3.0 version code sent in StartupMessage.
const StartupVersion uint32 = 196608

// SSLRequestCode is the sentinel sent in place of a version code to request a
// TLS upgrade before the real StartupMessage is sent.
const SSLRequestCode uint32 = 80877103

// AuthType represents the authentication method requested by the server in an
// AuthenticationXXX message.
type AuthType int32

const (
	AuthOK                AuthType = 0
	AuthCleartextPassword AuthType = 3
	AuthMD5Password       AuthType = 5
	AuthSASL              AuthType = 10
	AuthSASLContinue      AuthType = 11
	AuthSASLFinal         AuthType = 12
)

// ServerStatus indicates the transaction status reported with ReadyForQuery.
// 'I' idle, 'T' in a transaction block, 'E' in a failed transaction block.
type ServerStatus byte

const (
	ServerIdle              ServerStatus = 'I'
	ServerTransactionBlock  ServerStatus = 'T'
	ServerTransactionFailed ServerStatus = 'E'
)

// FormatCode represents the wire encoding of a parameter or column: text (0)
// or binary (1). This client only ever uses BinaryFormat.
type FormatCode int16

const (
	TextFormat   FormatCode = 0
	BinaryFormat FormatCode = 1
)

func (m ClientMessage) String() string {
	switch m {
	case ClientBind:
		return "Bind"
	case ClientClose:
		return "Close"
	case ClientDescribe:
		return "Describe"
	case ClientExecute:
		return "Execute"
	case ClientFlush:
		return "Flush"
	case ClientParse:
		return "Parse"
	case ClientPassword:
		return "Password"
	case ClientQuery:
		return "Query"
	case ClientSync:
		return "Sync"
	case ClientTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

func (m ServerMessage) String() string {
	switch m {
	case ServerAuth:
		return "Authentication"
	case ServerBackendKeyData:
		return "BackendKeyData"
	case ServerBindComplete:
		return "BindComplete"
	case ServerCloseComplete:
		return "CloseComplete"
	case ServerCommandComplete:
		return "CommandComplete"
	case ServerDataRow:
		return "DataRow"
	case ServerEmptyQuery:
		return "EmptyQueryResponse"
	case ServerErrorResponse:
		return "ErrorResponse"
	case ServerNoData:
		return "NoData"
	case ServerNoticeResponse:
		return "NoticeResponse"
	case ServerNotificationResponse:
		return "NotificationResponse"
	case ServerParameterDescription:
		return "ParameterDescription"
	case ServerParameterStatus:
		return "ParameterStatus"
	case ServerParseComplete:
		return "ParseComplete"
	case ServerPortalSuspended:
		return "PortalSuspended"
	case ServerReady:
		return "ReadyForQuery"
	case ServerRowDescription:
		return "RowDescription"
	default:
		return "Unknown"
	}
}
