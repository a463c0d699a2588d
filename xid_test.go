package mastership

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXidStartsAtZero(t *testing.T) {
	var g xidGenerator
	require.Equal(t, uint32(0), g.Next())
	require.Equal(t, uint32(1), g.Next())
	require.Equal(t, uint32(2), g.Next())
}

func TestXidWraps(t *testing.T) {
	g := xidGenerator{next: math.MaxUint32}
	require.Equal(t, uint32(math.MaxUint32), g.Next())
	require.Equal(t, uint32(0), g.Next())
}

func TestXidConcurrentUnique(t *testing.T) {
	var (
		g    xidGenerator
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint32]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				x := g.Next()
				mu.Lock()
				if seen[x] {
					t.Errorf("xid %d handed out twice", x)
				}
				seen[x] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 8000)
}
