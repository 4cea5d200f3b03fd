package mat32

import (
	"sync"
)

var scratchPool = struct {
	sync.Mutex
	m map[int]*sync.Pool
}{m: make(map[int]*sync.Pool)}

// Borrow returns a zeroed rows x cols scratch matrix from the pool. The
// recurrent passes churn through per-frame temporaries; pooling them keeps
// the reverse sweep from allocating on every time step.
func Borrow(rows, cols int) *Matrix {
	size := rows * cols
	scratchPool.Lock()
	p, ok := scratchPool.m[size]
	scratchPool.Unlock()
	if !ok {
		return New(rows, cols)
	}
	v := p.Get()
	if v == nil {
		return New(rows, cols)
	}
	m := v.(*Matrix)
	m.rows, m.cols = rows, cols
	m.data = m.data[:size]
	m.Zero()
	return m
}

// Return gives a matrix obtained from Borrow back to the pool. Views must
// never be returned; they do not own their backing.
func Return(m *Matrix) {
	size := cap(m.data)
	m.data = m.data[:size]
	scratchPool.Lock()
	p, ok := scratchPool.m[size]
	if !ok {
		p = &sync.Pool{}
		scratchPool.m[size] = p
	}
	scratchPool.Unlock()
	p.Put(m)
}
