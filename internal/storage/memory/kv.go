package memory

import (
	"context"
	"sync"
)

// KV реализует in-memory key-value backend для локального хранилища в тестах и эфемерных запусках.
type KV struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewKV создаёт пустой backend.
func NewKV() *KV {
	return &KV{items: make(map[string][]byte)}
}

func (kv *KV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	value, ok := kv.items[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

func (kv *KV) Put(_ context.Context, key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.items[key] = cloneBytes(value)
	return nil
}

func (kv *KV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.items, key)
	return nil
}

// Update выполняет fn под общей блокировкой: конкурентные read-modify-write не перемешиваются.
func (kv *KV) Update(_ context.Context, key string, fn func(current []byte, ok bool) ([]byte, error)) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	current, ok := kv.items[key]
	next, err := fn(cloneBytes(current), ok)
	if err != nil {
		return err
	}
	if next == nil {
		delete(kv.items, key)
		return nil
	}
	kv.items[key] = cloneBytes(next)
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
