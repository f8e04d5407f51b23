package stages

import (
	"context"
	"io"
	"time"

	"github.com/gofrs/flock"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
)

type exclusive struct {
	Executor
	// sem serializes callers within this process; a held flock does not block
	// a second TryLock on the same handle.
	sem  chan struct{}
	lock *flock.Flock
}

// Exclusive serializes e with every other executor on the host that shares
// lockPath. An empty lockPath returns e unchanged.
func Exclusive(e Executor, lockPath string) Executor {
	if lockPath == "" {
		return e
	}
	return &exclusive{Executor: e, sem: make(chan struct{}, 1), lock: flock.New(lockPath)}
}

func (x *exclusive) Execute(ctx context.Context, in Input) (Output, error) {
	select {
	case x.sem <- struct{}{}:
	case <-ctx.Done():
		return Output{}, classify(x.Name(), ctx.Err())
	}
	defer func() { <-x.sem }()

	ok, err := x.lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil || !ok {
		if ctx.Err() != nil {
			return Output{}, classify(x.Name(), ctx.Err())
		}
		return Output{}, apperr.Wrap(apperr.ErrInfrastructure, string(x.Name()), "lock", x.lock.Path(), err)
	}
	defer func() { _ = x.lock.Unlock() }()
	return x.Executor.Execute(ctx, in)
}

func (x *exclusive) Check(ctx context.Context) Health {
	if c, ok := x.Executor.(Checker); ok {
		return c.Check(ctx)
	}
	return Health{Name: string(x.Name()), Ready: true}
}

func (x *exclusive) Close() error {
	err := x.lock.Close()
	if c, ok := x.Executor.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			return cerr
		}
	}
	return err
}
