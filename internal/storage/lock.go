package storage

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// reentrantMutex is a goroutine-owned mutex that the owner may re-acquire.
// Every Lock must be paired with an Unlock from the same goroutine.
type reentrantMutex struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner int64
	depth int
}

func newReentrantMutex() *reentrantMutex {
	m := &reentrantMutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// goid returns the id of the calling goroutine, parsed from its stack header
// ("goroutine 42 [running]:").
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		panic("storage: cannot parse goroutine id")
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		panic("storage: cannot parse goroutine id: " + err.Error())
	}
	return id
}

func (m *reentrantMutex) Lock() {
	m.lockAs(goid())
}

// lockAs acquires the mutex for owner and returns owner.
func (m *reentrantMutex) lockAs(owner int64) int64 {
	m.mu.Lock()
	for m.depth > 0 && m.owner != owner {
		m.cond.Wait()
	}
	m.owner = owner
	m.depth++
	m.mu.Unlock()
	return owner
}

func (m *reentrantMutex) Unlock() {
	if !m.releaseAs(goid()) {
		panic("storage: unlock of store lock not held by this goroutine")
	}
}

// releaseAs drops one hold of owner. It reports false when owner holds
// nothing, leaving the mutex untouched.
func (m *reentrantMutex) releaseAs(owner int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner != owner {
		return false
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Broadcast()
	}
	return true
}

// heldByCaller reports whether the calling goroutine owns the mutex.
func (m *reentrantMutex) heldByCaller() bool {
	id := goid()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0 && m.owner == id
}

// Depth returns the current hold count, whoever the owner is.
func (m *reentrantMutex) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}
