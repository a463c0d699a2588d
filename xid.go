package mastership

import "sync/atomic"

// xidGenerator hands out transaction ids for one connection. The first id is
// 0 and ids wrap around at 2^32 without error.
type xidGenerator struct {
	next uint32
}

func (g *xidGenerator) Next() uint32 {
	return atomic.AddUint32(&g.next, 1) - 1
}
