package h1

import (
	"sync"

	"github.com/albertbausili/h1bind/internal/pool"
)

// DefaultPoolSize is the number of idle parsers a ParserPool retains.
const DefaultPoolSize = 1000

// ParserPool hands out parsers to connections and takes them back after
// FreeParser. It is shared by every event loop of a server.
type ParserPool struct {
	mu      sync.Mutex
	list    *pool.FreeList[*Parser]
	metrics *Metrics
}

// NewParserPool creates a pool retaining at most size idle parsers. Parsers
// are built with maxHeaderBytes; metrics may be nil.
func NewParserPool(size, maxHeaderBytes int, metrics *Metrics) *ParserPool {
	pp := &ParserPool{metrics: metrics}
	pp.list = pool.New(size, func() *Parser {
		pp.metrics.parserCreated()
		return NewParser(KindRequest, maxHeaderBytes)
	})

	return pp
}

// Alloc returns an idle parser or a new one.
func (pp *ParserPool) Alloc() *Parser {
	pp.mu.Lock()
	reused := pp.list.Len() > 0
	p := pp.list.Alloc()
	p.pooled = false
	idle := pp.list.Len()
	pp.mu.Unlock()

	if reused {
		pp.metrics.parserReused()
	}
	pp.metrics.setIdle(idle)

	return p
}

// Free returns p to the pool. It reports false when p was not taken: the
// pool is full, or p is already idle. A caller getting false for a parser it
// owns must Close it.
func (pp *ParserPool) Free(p *Parser) bool {
	if p == nil {
		return false
	}

	pp.mu.Lock()
	if p.pooled {
		pp.mu.Unlock()
		return false
	}
	ok := pp.list.Free(p)
	if ok {
		p.pooled = true
	}
	idle := pp.list.Len()
	pp.mu.Unlock()

	pp.metrics.setIdle(idle)

	return ok
}

// Idle reports the number of idle parsers.
func (pp *ParserPool) Idle() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	return pp.list.Len()
}
