package streammeta

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tabletsql/cdcsdk/pkg/opid"
)

func TestLoadIsSingleFlight(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	sm := New(func(ctx context.Context) ([]string, bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return []string{"t1", "t2"}, true, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sm.Load(context.Background()))
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls)
	require.Equal(t, []string{"t1", "t2"}, sm.TableIDs())
	require.True(t, sm.Transactional())
	require.Equal(t, StateActive, sm.State())
}

func TestRefreshTableIDsOnlyLeavesTransactionalUntouched(t *testing.T) {
	sm := New(func(ctx context.Context) ([]string, bool, error) {
		return []string{"t1"}, true, nil
	})
	require.NoError(t, sm.Load(context.Background()))

	sm.loader = func(ctx context.Context) ([]string, bool, error) {
		return []string{"t1", "t2"}, false, nil
	}
	require.NoError(t, sm.Refresh(context.Background(), RefreshTableIDsOnly))
	require.Equal(t, []string{"t1", "t2"}, sm.TableIDs())
	require.True(t, sm.Transactional())

	require.NoError(t, sm.Refresh(context.Background(), RefreshAll))
	require.False(t, sm.Transactional())
}

func TestPerTabletMetadataIsIndependent(t *testing.T) {
	sm := New(func(ctx context.Context) ([]string, bool, error) { return nil, false, nil })
	a := sm.TabletMetadataFor("tablet-a")
	b := sm.TabletMetadataFor("tablet-b")
	require.NotSame(t, a, b)

	now := time.Now()
	a.Set(opid.OpId{Term: 1, Index: 2}, 100, now)
	op, ts, updated := a.Get()
	require.Equal(t, opid.OpId{Term: 1, Index: 2}, op)
	require.Equal(t, uint64(100), ts)
	require.Equal(t, now, updated)

	bOp, bTs, _ := b.Get()
	require.Equal(t, opid.OpId{}, bOp)
	require.Equal(t, uint64(0), bTs)

	require.Same(t, a, sm.TabletMetadataFor("tablet-a"))
}
