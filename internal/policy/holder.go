package policy

import "sync/atomic"

// Holder is an atomically swappable Policy. A swap must be immediately
// visible to new incoming transfers while already-pending
// transfers keep the classification they were accepted under; since Policy
// is consulted only at acceptance time and never again, a plain atomic
// pointer swap is sufficient — no transfer ever re-reads the Holder after
// it is accepted.
type Holder struct {
	v atomic.Value // holds Policy
}

func NewHolder(initial Policy) *Holder {
	h := &Holder{}
	h.v.Store(initial)
	return h
}

func (h *Holder) Load() Policy {
	return h.v.Load().(Policy)
}

func (h *Holder) Swap(p Policy) {
	h.v.Store(p)
}
