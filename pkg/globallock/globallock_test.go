package globallock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexsec/teecore/pkg/corelocal"
)

func bindTestCore(t *testing.T, core int) {
	t.Helper()
	corelocal.Init(4)
	require.NoError(t, corelocal.BindCurrentOSThread(core))
	t.Cleanup(corelocal.UnbindCurrentOSThread)
}

func TestAcquireRequiresMaskedIRQ(t *testing.T) {
	bindTestCore(t, 0)
	corelocal.SetExceptions(0)
	var l Lock
	require.Panics(t, func() { l.Acquire() })
}

func TestWithLockMutualExclusion(t *testing.T) {
	bindTestCore(t, 0)
	corelocal.SetExceptions(corelocal.IRQ)

	var l Lock
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, corelocal.BindCurrentOSThread(1))
			defer corelocal.UnbindCurrentOSThread()
			corelocal.SetExceptions(corelocal.IRQ)
			l.WithLock(func() {
				counter++
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestUnmaskIRQWhileLockedPanics(t *testing.T) {
	bindTestCore(t, 0)
	corelocal.SetExceptions(corelocal.IRQ)
	var l Lock
	l.Acquire()
	defer l.Release()
	require.Panics(t, func() { corelocal.SetExceptions(0) })
}
