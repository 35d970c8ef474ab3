package resourcefilter

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type page struct {
	id int
	_  [16]byte
}

func TestIdentitySet_ClaimOncePerIdentity(t *testing.T) {
	t.Parallel()

	set := newIdentitySet[page]()
	a := &page{id: 1}
	b := &page{id: 1}

	require.True(t, set.claim(a))
	require.False(t, set.claim(a))
	require.True(t, set.claim(b), "equal values with different identity are distinct pages")
	require.True(t, set.contains(a))
	require.Equal(t, 2, set.len())
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestIdentitySet_ForgetsCollectedPages(t *testing.T) {
	t.Parallel()

	set := newIdentitySet[page]()
	func() {
		p := &page{id: 7}
		require.True(t, set.claim(p))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return set.len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIdentitySet_ForgetAllowsReclaim(t *testing.T) {
	t.Parallel()

	set := newIdentitySet[page]()
	p := &page{id: 3}
	require.True(t, set.claim(p))
	set.forget(weakOf(p))
	require.False(t, set.contains(p))
	require.True(t, set.claim(p))
	runtime.KeepAlive(p)
}
