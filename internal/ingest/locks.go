package ingest

import (
	"context"
	"hash/fnv"
)

const lockStripes = 256

// stripedLock serialises work per device without a lock per device id.
// Each stripe is a one-slot semaphore so waiters can give up with their context.
type stripedLock struct {
	stripes [lockStripes]chan struct{}
}

func newStripedLock() *stripedLock {
	l := &stripedLock{}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// lock blocks until deviceID's stripe is free or ctx ends.
func (l *stripedLock) lock(ctx context.Context, deviceID string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	sem := l.stripes[h.Sum32()%lockStripes]

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
