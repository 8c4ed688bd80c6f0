package jsonrpc

// ErrorCode is a stable numeric error code. Client tooling branches on the
// code, never on the message text.
type ErrorCode int

// JSON-RPC 2.0 core codes.
const (
	// ErrorCodeParseError indicates the message was not valid JSON.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates a structurally invalid envelope.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates the params failed validation.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal failure.
	ErrorCodeInternalError ErrorCode = -32603
)

// Runtime codes in the implementation-defined range.
const (
	// ErrorCodeNotInitialized rejects capability methods issued before the
	// session completed the handshake.
	ErrorCodeNotInitialized ErrorCode = -32002
	// ErrorCodeRateLimited rejects a request denied admission.
	ErrorCodeRateLimited ErrorCode = -32003
	// ErrorCodeAccessDenied rejects a request that failed authentication.
	ErrorCodeAccessDenied ErrorCode = -32004
	// ErrorCodeRequestTimeout reports that a request ran out of time.
	ErrorCodeRequestTimeout ErrorCode = -32005
)
