package repository

import (
	"context"
	"errors"
)

// maxCASAttempts bounds read-modify-write retries on ErrConflict.
const maxCASAttempts = 5

// RetryOnConflict runs fn, a read-modify-write that reloads its record on
// every call, until it stops returning ErrConflict.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < maxCASAttempts; i++ {
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
