package stackmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig(canaries, pager bool) Config {
	return Config{
		NCores: 2, NThreads: 4,
		StackTmp: 4096, StackAbt: 4096, StackThread: 8192,
		Canaries: canaries, Pager: pager,
	}
}

func TestNewReservesDistinctRegions(t *testing.T) {
	m, err := New(testConfig(true, false), nil)
	require.NoError(t, err)
	require.Len(t, m.Tmp, 2)
	require.Len(t, m.Abt, 2)
	require.Len(t, m.Thread, 4)
	require.NotEqual(t, m.Tmp[0].VAEnd, m.Tmp[1].VAEnd)
}

func TestCheckCanariesPassesOnFreshManager(t *testing.T) {
	m, err := New(testConfig(true, false), nil)
	require.NoError(t, err)
	require.NotPanics(t, m.CheckCanaries)
}

func TestCheckCanariesPanicsNamingStackAndIndex(t *testing.T) {
	m, err := New(testConfig(true, false), nil)
	require.NoError(t, err)
	m.Thread[1].start = 0xBAD
	require.PanicsWithValue(t, "stackmgr: canary corruption in stack_thread[1]", m.CheckCanaries)
}

func TestCanariesDisabledNeverPanics(t *testing.T) {
	m, err := New(testConfig(false, false), nil)
	require.NoError(t, err)
	m.Thread[0].start = 0xBAD
	require.NotPanics(t, m.CheckCanaries)
}

type fakePager struct {
	allocated map[int]uint64
	released  map[int]uint64
}

func newFakePager() *fakePager {
	return &fakePager{allocated: map[int]uint64{}, released: map[int]uint64{}}
}

func (p *fakePager) AllocThreadStack(threadID int, guardBytes, stackBytes uint64) (uint64, error) {
	vaEnd := uint64(0x9000_0000) + uint64(threadID)*stackBytes
	p.allocated[threadID] = vaEnd
	return vaEnd, nil
}

func (p *fakePager) ReleaseUnused(threadID int, vaEnd, highWaterMark uint64) uint64 {
	reclaimed := vaEnd - highWaterMark
	p.released[threadID] = reclaimed
	return reclaimed
}

func TestPagerBackedThreadStacksDeferAllocation(t *testing.T) {
	pager := newFakePager()
	m, err := New(testConfig(true, true), pager)
	require.NoError(t, err)
	require.Empty(t, m.Thread)

	vaEnd, err := m.ThreadStackVAEnd(2)
	require.NoError(t, err)
	require.Equal(t, pager.allocated[2], vaEnd)
}

func TestReleaseThreadStackReportsReclaimedBytes(t *testing.T) {
	pager := newFakePager()
	m, err := New(testConfig(true, true), pager)
	require.NoError(t, err)

	vaEnd, err := m.ThreadStackVAEnd(0)
	require.NoError(t, err)
	stats := m.ReleaseThreadStack(0, vaEnd, vaEnd-1024)
	require.Equal(t, uint64(1024), stats.ReclaimedBytes)
}

func TestNewRequiresPagerWhenEnabled(t *testing.T) {
	_, err := New(testConfig(true, true), nil)
	require.Error(t, err)
}
