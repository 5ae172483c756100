package roomlink

// Command IDs of the room connection frames.
const (
	// CmdRoomJoined is sent by the server once the handshake completes.
	CmdRoomJoined uint32 = 0x0001
	// CmdError carries a server-side error message as payload.
	CmdError uint32 = 0x00FF
)

// Close codes used by the room connection.
const (
	// CloseAbnormal is reported when the transport dropped without a close frame.
	CloseAbnormal = 1006
	// CloseUnauthorized is sent by the room server when the token is rejected.
	CloseUnauthorized = 4001
)

// Standard error messages
const (
	// Connection errors
	ErrConnectionClosed  = "room connection is closed"
	ErrContextCancelled  = "room connection context cancelled"
	ErrFailedToEncode    = "failed to encode frame"
	ErrUnexpectedFrame   = "unexpected frame before room joined"
	ErrInvalidFrame      = "invalid frame format"
	ErrRateLimitExceeded = "rate limit exceeded"
	ErrUnauthorized      = "invalid auth token"

	// Server errors
	ErrServerAlreadyRunning = "server already running"
)
