// Package keypool manages the ordered set of upstream API credentials shared
// by every session in the process.
package keypool

import (
	"strings"
	"sync"
)

// Pool is an ordered credential list with a rotation cursor. Sessions advance
// the cursor when the upstream reports quota exhaustion; once the cursor wraps
// back to the first key the pool is considered exhausted until the next retry
// cycle resets it.
type Pool struct {
	mu        sync.Mutex
	keys      []string
	idx       int
	exhausted bool
}

func New(keys []string) *Pool {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		cleaned = append(cleaned, k)
	}
	return &Pool{keys: cleaned}
}

// Current returns the credential at the cursor. ok is false when the pool is
// empty or exhausted.
func (p *Pool) Current() (key string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 || p.exhausted {
		return "", false
	}
	return p.keys[p.idx], true
}

// Rotate advances the cursor to the next credential. cycled is true when the
// cursor has wrapped past the last key, meaning every key has been tried in
// this rotation; the pool is then marked exhausted and key is empty.
func (p *Pool) Rotate() (key string, cycled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		p.exhausted = true
		return "", true
	}
	p.idx++
	if p.idx >= len(p.keys) {
		p.idx = 0
		p.exhausted = true
		return "", true
	}
	return p.keys[p.idx], false
}

// ResetRotation returns the cursor to the first key and clears the exhausted
// flag. Called at the start of each scheduled retry cycle.
func (p *Pool) ResetRotation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idx = 0
	p.exhausted = false
}

func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
