package chainio

import (
	"errors"
	"fmt"
)

// ErrChainUnreachable marks transient RPC failures (node down, timeout).
// Callers treat it as "simulation/submission deferred" rather than as a
// verdict on any particular operation.
var ErrChainUnreachable = errors.New("chain rpc unreachable")

func chainErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrChainUnreachable, err)
}
