package engine

import "errors"

// Error kinds the core surfaces. Callers compare with errors.Is.
var (
	ErrUnknownProduct                = errors.New("engine: unknown product")
	ErrNotFound                      = errors.New("engine: aggregate not found")
	ErrDuplicateAggregate            = errors.New("engine: duplicate aggregate")
	ErrConflict                      = errors.New("engine: optimistic lock conflict")
	ErrConflictingTerminalTransition = errors.New("engine: conflicting terminal transition")
	ErrCallbackRejected              = errors.New("engine: callback rejected")
	ErrUnrecognizedEvent             = errors.New("engine: unrecognized event type")
	ErrProviderFailure               = errors.New("engine: provider failure")
	ErrCanceled                      = errors.New("engine: operation canceled")
	ErrCapabilityUnsupported         = errors.New("engine: provider does not support this capability")
	ErrWrongProductType              = errors.New("engine: product is not the expected type")
)
