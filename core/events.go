package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"lendpool/crypto"
	"lendpool/native/lending"
)

// Event describes one committed pool operation.
type Event struct {
	Sequence     uint64
	Operation    string
	Caller       crypto.Address
	Nonce        uint64
	Shares       uint64
	Amount       uint64
	Fee          uint64
	Repaid       uint64
	Seized       uint64
	Instructions []lending.Instruction
	CommittedAt  time.Time
}

// Publisher receives committed events. Publish errors never roll back the
// commit; the executor retries the failed event after the next commit.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// PublisherFunc adapts ordinary functions to the Publisher interface.
type PublisherFunc func(ctx context.Context, evt Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Fanout publishes each event to every non-nil publisher in order and joins
// their errors. A publisher that already accepted a sequence is skipped when
// the event is retried.
func Fanout(publishers ...Publisher) Publisher {
	active := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			active = append(active, p)
		}
	}
	var mu sync.Mutex
	delivered := make([]uint64, len(active))
	return PublisherFunc(func(ctx context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		var errs []error
		for i, p := range active {
			if delivered[i] != 0 && evt.Sequence <= delivered[i] {
				continue
			}
			if err := p.Publish(ctx, evt); err != nil {
				errs = append(errs, err)
				continue
			}
			delivered[i] = evt.Sequence
		}
		return errors.Join(errs...)
	})
}
