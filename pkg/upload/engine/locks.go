package engine

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockShards = 64

// keyedMutex hands out one lock per upload id. The map of live locks is
// sharded so lookups for unrelated ids rarely touch the same mutex, and a
// lock entry is dropped as soon as nobody holds or waits for it.
type keyedMutex struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	k := &keyedMutex{}
	for i := range k.shards {
		k.shards[i].locks = make(map[string]*idLock)
	}
	return k
}

func (k *keyedMutex) shard(id string) *lockShard {
	return &k.shards[xxhash.Sum64String(id)%lockShards]
}

// Lock blocks until id is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (k *keyedMutex) Lock(ctx context.Context, id string) (func(), error) {
	s := k.shard(id)

	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &idLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			s.release(id, l)
		}, nil
	case <-ctx.Done():
		s.release(id, l)
		return nil, ctx.Err()
	}
}

func (s *lockShard) release(id string, l *idLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
	s.mu.Unlock()
}

func (k *keyedMutex) held() int {
	n := 0
	for i := range k.shards {
		s := &k.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
