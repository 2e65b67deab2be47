package velox

import "errors"

// Error taxonomy surfaced at the engine boundary. Callers match with
// errors.Is; wrapped errors carry additional context via fmt.Errorf("%w").
var (
	ErrNotFound         = errors.New("velox: not found")
	ErrAlreadyExists    = errors.New("velox: already exists")
	ErrInvalidArgument  = errors.New("velox: invalid argument")
	ErrIO               = errors.New("velox: io error")
	ErrCorrupted        = errors.New("velox: corrupted data")
	ErrAuth             = errors.New("velox: authentication failed")
	ErrTimeout          = errors.New("velox: timeout")
	ErrTransactionAbort = errors.New("velox: transaction aborted")
	ErrTxnConflict      = errors.New("velox: transaction conflict")
	ErrIndexMissing     = errors.New("velox: index missing")
	ErrBusy             = errors.New("velox: engine busy")
	ErrShortInput       = errors.New("velox: ciphertext too short")
	ErrNotInitialized   = errors.New("velox: encryption engine not initialized")
	ErrReadOnly         = errors.New("velox: transaction is read-only")
)
