package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrProviderNotFound - remote tool provider executable missing; disables the
	// remote capability only, never the session
	ErrProviderNotFound = errors.New("provider not found")

	// ErrConnectTimeout - handshake with the remote provider did not finish in time; retryable
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrRpcTimeout - an RPC call got no matching response before its deadline; retryable
	ErrRpcTimeout = errors.New("rpc timeout")

	// ErrRpcFailed - the provider answered with an error payload; surfaced verbatim, never auto-retried
	ErrRpcFailed = errors.New("rpc failed")

	// ErrConnectionClosed - the provider process went away; every pending call is rejected with this
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnknownTool - no handler registered under the requested name; reported back
	// as a failed tool result so the model can choose differently
	ErrUnknownTool = errors.New("unknown tool")

	// ErrUpstreamHTTP - non-2xx from the model backend; status and body surfaced verbatim
	ErrUpstreamHTTP = errors.New("upstream http error")

	// ErrLoopLimit - conversation hit the tool-call safety cap; the turn ends with an explicit reason
	ErrLoopLimit = errors.New("loop limit exceeded")

	// ErrInvalidInput - invalid input (validation failure on tool params or requests)
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient - transient error (network, timeout outside the RPC scope)
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error (generic message + trace id)
	ErrInternal = errors.New("internal error")
)
