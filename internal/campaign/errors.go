package campaign

import "errors"

// Setup failures abort a campaign execution before any recipient is touched.
// Per-recipient send failures never surface as errors from the executor.
var (
	// ErrAlreadyExecuting means this process already owns an execution of the
	// campaign; the caller must not retry immediately.
	ErrAlreadyExecuting = errors.New("campaign is already executing")

	ErrNotFound = errors.New("campaign not found")

	// ErrInvalidState means the campaign is not in a startable status
	// (only draft and scheduled campaigns can be executed).
	ErrInvalidState = errors.New("campaign is not in a startable status")
)
