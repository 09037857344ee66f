package internal

import "sync/atomic"

// ProgressSink receives one call per copied block. Implementations must not block.
type ProgressSink interface {
	OnBlockCompleted()
}

// ProgressCounter counts completed blocks of a batch. The worker adds, the requester loads;
// the count only grows and never passes the total once one is set.
type ProgressCounter struct {
	completed atomic.Uint64
	total     atomic.Uint64
}

// SetTotal sets the upper bound computed before the batch starts
func (p *ProgressCounter) SetTotal(total uint64) {
	p.total.Store(total)
}

// AddTotal raises the upper bound by n, for packages whose size is only known once staged
func (p *ProgressCounter) AddTotal(n uint64) {
	p.total.Add(n)
}

// OnBlockCompleted implements ProgressSink
func (p *ProgressCounter) OnBlockCompleted() {
	for {
		current := p.completed.Load()
		total := p.total.Load()
		if total > 0 && current >= total {
			return
		}
		if p.completed.CompareAndSwap(current, current+1) {
			return
		}
	}
}

// Completed returns the number of blocks completed so far
func (p *ProgressCounter) Completed() uint64 {
	return p.completed.Load()
}

// Total returns the upper bound set by SetTotal
func (p *ProgressCounter) Total() uint64 {
	return p.total.Load()
}

// multiSink fans a block event out to several sinks
type multiSink []ProgressSink

func (m multiSink) OnBlockCompleted() {
	for _, s := range m {
		if s != nil {
			s.OnBlockCompleted()
		}
	}
}

// blockTally counts the blocks of a single install attempt
type blockTally struct {
	n atomic.Uint64
}

func (t *blockTally) OnBlockCompleted() {
	t.n.Add(1)
}

// Count returns the blocks counted so far
func (t *blockTally) Count() uint64 {
	return t.n.Load()
}
