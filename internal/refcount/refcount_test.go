package refcount_test

import (
	"sync"
	"testing"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/refcount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type buffer struct {
	refcount.Counted
	data      []float64
	teardowns int
}

func newBuffer(n int) *buffer {
	b := &buffer{data: make([]float64, n)}
	b.Init(b, func() {
		b.teardowns++
		b.data = nil
	})
	return b
}

// lifecycle runs f and returns the recovered *LifecycleError, if any.
func lifecycle(f func()) (le *errs.LifecycleError) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			le, ok = errs.AsLifecycle(r)
			if !ok {
				panic(r)
			}
		}
	}()
	f()
	return nil
}

func TestCounted_TeardownAtZero(t *testing.T) {
	b := newBuffer(4)
	assert.Equal(t, int64(1), b.RefCount())

	b.AddRef()
	b.AddRef()
	assert.Equal(t, int64(3), b.RefCount())

	b.FreeRef()
	b.FreeRef()
	assert.Equal(t, 0, b.teardowns)
	assert.False(t, b.IsFinalized())

	b.FreeRef()
	assert.Equal(t, 1, b.teardowns)
	assert.True(t, b.IsFinalized())
	assert.Nil(t, b.data)
}

func TestCounted_AddRefCountMatchesFrees(t *testing.T) {
	for adds := 0; adds < 8; adds++ {
		b := newBuffer(1)
		for i := 0; i < adds; i++ {
			b.AddRef()
		}
		frees := 0
		for !b.IsFinalized() {
			b.FreeRef()
			frees++
		}
		assert.Equal(t, adds+1, frees)
		assert.Equal(t, 1, b.teardowns)
	}
}

func TestCounted_DoubleFreeStrict(t *testing.T) {
	b := newBuffer(1)
	b.FreeRef()

	le := lifecycle(b.FreeRef)
	require.NotNil(t, le)
	assert.Equal(t, "FreeRef", le.Op)
	assert.ErrorIs(t, le, errs.ErrLifecycle)
	assert.Equal(t, 1, b.teardowns, "teardown must never run twice")
}

func TestCounted_DoubleFreeLenient(t *testing.T) {
	refcount.Configure(refcount.Config{Strict: false})
	defer refcount.Configure(refcount.DefaultConfig())

	b := newBuffer(1)
	b.FreeRef()
	assert.Nil(t, lifecycle(b.FreeRef))
	assert.Equal(t, 1, b.teardowns)
}

func TestCounted_AddRefAfterFinalize(t *testing.T) {
	b := newBuffer(1)
	b.FreeRef()

	le := lifecycle(b.AddRef)
	require.NotNil(t, le)
	assert.Equal(t, "AddRef", le.Op)
}

func TestCounted_AssertAlive(t *testing.T) {
	b := newBuffer(1)
	assert.Nil(t, lifecycle(b.AssertAlive))
	b.FreeRef()
	le := lifecycle(b.AssertAlive)
	require.NotNil(t, le)
	assert.Contains(t, le.Error(), "use after free")
}

func TestCounted_DebugHistory(t *testing.T) {
	refcount.SetDebug(true)
	defer refcount.SetDebug(false)

	b := newBuffer(1)
	b.AddRef()
	b.FreeRef()
	b.FreeRef()

	le := lifecycle(b.FreeRef)
	require.NotNil(t, le)
	require.NotEmpty(t, le.History)
	assert.Contains(t, le.History[0], "Init")
	assert.Contains(t, le.Report(), "refcount_test.go")
}

func TestCounted_NoHistoryOutsideDebug(t *testing.T) {
	refcount.SetDebug(false)
	b := newBuffer(1)
	b.AddRef()
	assert.Nil(t, b.History())
	b.FreeRef()
	b.FreeRef()
}

func TestCounted_ConcurrentAddFree(t *testing.T) {
	b := newBuffer(16)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.AddRef()
				b.FreeRef()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), b.RefCount())
	assert.Equal(t, 0, b.teardowns)
	b.FreeRef()
	assert.Equal(t, 1, b.teardowns)
}

func TestFreeAll(t *testing.T) {
	a, b := newBuffer(1), newBuffer(1)
	refcount.AddRefAll(a, b)
	refcount.FreeAll(a, b)
	assert.False(t, a.IsFinalized())
	refcount.FreeAll(a, b)
	assert.True(t, a.IsFinalized())
	assert.True(t, b.IsFinalized())
}
