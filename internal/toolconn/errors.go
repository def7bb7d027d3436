package toolconn

import "errors"

// Invocation error kinds. Callers branch on these with errors.Is; every
// failure returned by Invoke wraps exactly one of them.
var (
	// ErrNotConnected means no session is established. Invoke fails fast
	// with this instead of queuing; callers decide whether to retry.
	ErrNotConnected = errors.New("tool provider not connected")

	// ErrTimeout means the caller-supplied deadline elapsed before the
	// provider answered. The session itself is left untouched.
	ErrTimeout = errors.New("tool invocation timed out")

	// ErrRemote means the provider ran the tool and reported a failure.
	ErrRemote = errors.New("tool provider reported an error")

	// ErrAuth means the provider rejected the pre-shared token during
	// session establishment. This is a configuration error: the reconnect
	// loop stops and the condition is surfaced to the operator.
	ErrAuth = errors.New("tool provider rejected authentication")

	// ErrUnknownTool means the tool name is not in the known catalog.
	// Rejected at the call site, before anything reaches the wire.
	ErrUnknownTool = errors.New("unknown tool")
)
