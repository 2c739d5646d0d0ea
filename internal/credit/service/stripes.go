package service

import (
	"hash/fnv"
	"sync"
)

const stripeCount = 256

// stripedMutex serializes work per account inside one process without
// holding a map entry per account.
type stripedMutex struct {
	locks [stripeCount]sync.Mutex
}

func (s *stripedMutex) For(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%stripeCount]
}
