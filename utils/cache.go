package utils

import (
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2"
)

type Cache[K comparable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Take(key K) (value T, ok bool)
	Delete(key K)
	Len() int
	Clear()
	Stats() (hits, misses uint64)
}

type LRUCache[K comparable, T any] struct {
	values       atomic.Pointer[lru.Cache[K, T]]
	hits, misses atomic.Uint64
	size         int
}

func NewLRUCache[K comparable, T any](size int) *LRUCache[K, T] {
	c := &LRUCache[K, T]{
		size: size,
	}
	c.Clear()
	return c
}

func (c *LRUCache[K, T]) Get(key K) (value T, ok bool) {
	if value, ok = c.values.Load().Get(key); ok {
		c.hits.Add(1)
		return value, true
	} else {
		c.misses.Add(1)
		return value, false
	}
}

func (c *LRUCache[K, T]) Set(key K, value T) {
	c.values.Load().Add(key, value)
}

// Take returns and removes the entry for key.
func (c *LRUCache[K, T]) Take(key K) (value T, ok bool) {
	values := c.values.Load()
	if value, ok = values.Peek(key); ok {
		values.Remove(key)
		c.hits.Add(1)
		return value, true
	}
	c.misses.Add(1)
	return value, false
}

func (c *LRUCache[K, T]) Delete(key K) {
	c.values.Load().Remove(key)
}

func (c *LRUCache[K, T]) Len() int {
	return c.values.Load().Len()
}

func (c *LRUCache[K, T]) Clear() {
	cache, err := lru.New[K, T](c.size)
	if err != nil {
		panic(err)
	}
	c.values.Store(cache)
}

func (c *LRUCache[K, T]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

type NilCache[K comparable, T any] struct {
}

func NewNilCache[K comparable, T any]() NilCache[K, T] {
	return NilCache[K, T]{}
}

func (m NilCache[K, T]) Get(key K) (value T, ok bool) {
	return value, false
}

func (m NilCache[K, T]) Set(key K, value T) {

}

func (m NilCache[K, T]) Take(key K) (value T, ok bool) {
	return value, false
}

func (m NilCache[K, T]) Delete(key K) {

}

func (m NilCache[K, T]) Len() int {
	return 0
}

func (m NilCache[K, T]) Clear() {

}

func (m NilCache[K, T]) Stats() (hits, misses uint64) {
	return 0, 0
}
