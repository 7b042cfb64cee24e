package samples

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/roach88/entityflow/internal/entity"
	"github.com/roach88/entityflow/internal/orchestration"
)

// InsufficientFundsError is returned by Transfer when the source counter
// holds less than the amount.
type InsufficientFundsError struct {
	Balance int
	Amount  int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, amount %d", e.Balance, e.Amount)
}

// Transfer returns an orchestration moving amount from one counter to
// another inside a critical section over both. A failed release is
// reported alongside the transfer's own error.
func Transfer(from, to string, amount int) orchestration.Func {
	return func(ctx context.Context, oc *orchestration.Context) (err error) {
		src := entity.NewID(CounterEntityName, from)
		dst := entity.NewID(CounterEntityName, to)

		lock, err := oc.Lock(ctx, src, dst)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, lock.Release(ctx))
		}()

		balance, err := NewCounterProxy(oc, from).Get(ctx)
		if err != nil {
			return err
		}
		if balance < amount {
			return &InsufficientFundsError{Balance: balance, Amount: amount}
		}

		// Signals to locked entities are not allowed, so both sides are calls.
		if err := oc.CallEntity(ctx, src, "add", -amount, nil); err != nil {
			return err
		}
		return oc.CallEntity(ctx, dst, "add", amount, nil)
	}
}
