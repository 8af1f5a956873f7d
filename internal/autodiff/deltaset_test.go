package autodiff_test

import (
	"sync"
	"testing"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaSet_GetCreatesZeroDelta(t *testing.T) {
	s := autodiff.NewDeltaSet()
	target := []float64{1, 2, 3}
	key := autodiff.Key{Layer: uuid.New(), Slot: 1}

	d := s.Get(key, target)
	assert.Equal(t, []float64{0, 0, 0}, d.Values())
	assert.Same(t, d, s.Get(key, target))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, d.AddInPlace([]float64{1, 1, 1}))
	err := d.AddInPlace([]float64{1})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "3 vs 1")
}

func TestDeltaSet_AddMergesKeys(t *testing.T) {
	shared := autodiff.Key{Layer: uuid.New()}
	onlyA := autodiff.Key{Layer: uuid.New()}
	onlyB := autodiff.Key{Layer: uuid.New()}
	target := []float64{0, 0}

	a := autodiff.NewDeltaSet()
	require.NoError(t, a.Get(shared, target).AddInPlace([]float64{1, 2}))
	require.NoError(t, a.Get(onlyA, target).AddInPlace([]float64{3, 3}))
	b := autodiff.NewDeltaSet()
	require.NoError(t, b.Get(shared, target).AddInPlace([]float64{10, 20}))
	require.NoError(t, b.Get(onlyB, target).AddInPlace([]float64{4, 4}))

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Len())

	get := func(s *autodiff.DeltaSet, k autodiff.Key) []float64 {
		d, ok := s.Lookup(k)
		require.True(t, ok)
		return d.Values()
	}
	assert.Equal(t, []float64{11, 22}, get(sum, shared))
	assert.Equal(t, []float64{3, 3}, get(sum, onlyA))
	assert.Equal(t, []float64{4, 4}, get(sum, onlyB))
	assert.Equal(t, []float64{1, 2}, get(a, shared), "Add leaves its operands alone")

	bad := autodiff.NewDeltaSet()
	bad.Get(shared, []float64{0, 0, 0})
	_, err = a.Add(bad)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestDeltaSet_ScaleMagnitudeApply(t *testing.T) {
	target := []float64{1, 1}
	key := autodiff.Key{Layer: uuid.New()}
	s := autodiff.NewDeltaSet()
	require.NoError(t, s.Get(key, target).AddInPlace([]float64{3, 4}))

	assert.InDelta(t, 5.0, s.Magnitude(), 1e-12)
	half := s.Scale(0.5)
	assert.InDelta(t, 2.5, half.Magnitude(), 1e-12)
	assert.InDelta(t, 5.0, s.Magnitude(), 1e-12)

	d, _ := half.Lookup(key)
	d.Apply(-1)
	assert.Equal(t, []float64{-0.5, -1}, target, "targets are shared with the parameters")
}

func TestDeltaSet_KeysLayersHas(t *testing.T) {
	l1, l2 := uuid.New(), uuid.New()
	s := autodiff.NewDeltaSet()
	s.Get(autodiff.Key{Layer: l1, Slot: 1}, []float64{0})
	s.Get(autodiff.Key{Layer: l1, Slot: 0}, []float64{0})
	s.Get(autodiff.Key{Layer: l2, Slot: 0}, []float64{0})

	keys := s.Keys()
	require.Len(t, keys, 3)
	assert.ElementsMatch(t, []uuid.UUID{l1, l2}, s.Layers())
	for i := 1; i < len(keys); i++ {
		if keys[i].Layer == keys[i-1].Layer {
			assert.Less(t, keys[i-1].Slot, keys[i].Slot)
		}
	}
	assert.True(t, s.Has(l1))
	assert.False(t, s.Has(uuid.New()))
}

func TestDeltaSet_ConcurrentAccumulation(t *testing.T) {
	s := autodiff.NewDeltaSet()
	key := autodiff.Key{Layer: uuid.New()}
	target := make([]float64, 4)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Get(key, target).AddInPlace([]float64{1, 1, 1, 1}))
		}()
	}
	wg.Wait()
	d, _ := s.Lookup(key)
	assert.Equal(t, []float64{32, 32, 32, 32}, d.Values())
}

func TestResources_RoundTrip(t *testing.T) {
	res := autodiff.NewResources()
	id := uuid.New()
	res.PutFloats(autodiff.BlobName(id, 0), []float64{1.5, -2})

	got, err := res.Floats(autodiff.BlobName(id, 0))
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2}, got)
	assert.Equal(t, []string{autodiff.BlobName(id, 0)}, res.Names())

	_, err = res.Floats("missing")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
