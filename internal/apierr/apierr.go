// Package apierr defines the Clawline error taxonomy shared by the WebSocket
// gateway and the Stream HTTP API.
package apierr

// Code is a stable error identifier surfaced to clients.
type Code string

const (
	InvalidMessage                 Code = "invalid_message"
	PayloadTooLarge                Code = "payload_too_large"
	RateLimited                    Code = "rate_limited"
	AuthFailed                     Code = "auth_failed"
	TokenRevoked                   Code = "token_revoked"
	DeviceNotApproved              Code = "device_not_approved"
	AssetNotFound                  Code = "asset_not_found"
	StreamNotFound                 Code = "stream_not_found"
	Forbidden                      Code = "forbidden"
	StreamLimitReached             Code = "stream_limit_reached"
	BuiltInStreamRenameForbidden   Code = "built_in_stream_rename_forbidden"
	BuiltInStreamDeleteForbidden   Code = "built_in_stream_delete_forbidden"
	LastStreamDeleteForbidden      Code = "last_stream_delete_forbidden"
	StreamDeleteRequiresUserAction Code = "stream_delete_requires_user_action"
	IdempotencyKeyReused           Code = "idempotency_key_reused"
	WriteQueueFull                 Code = "write_queue_full"
	ServerError                    Code = "server_error"
)

// Error is a typed, client-facing error carrying a stable code.
type Error struct {
	ErrCode Code
	Msg     string
}

func (e *Error) Error() string { return string(e.ErrCode) + ": " + e.Msg }

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{ErrCode: code, Msg: message}
}

// HTTPStatus maps an error code to its typical HTTP surface status.
func HTTPStatus(code Code) int {
	switch code {
	case AuthFailed, TokenRevoked, DeviceNotApproved:
		return 401
	case Forbidden:
		return 403
	case StreamNotFound, AssetNotFound:
		return 404
	case StreamLimitReached, BuiltInStreamRenameForbidden, BuiltInStreamDeleteForbidden,
		LastStreamDeleteForbidden, StreamDeleteRequiresUserAction, IdempotencyKeyReused,
		WriteQueueFull:
		return 409
	case PayloadTooLarge:
		return 413
	case RateLimited:
		return 429
	case InvalidMessage:
		return 400
	default:
		return 500
	}
}
