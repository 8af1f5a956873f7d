package dag

import (
	"context"
	"testing"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/nn"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cyclic builds in -> a -> b and then links a back to b.
func cyclic(t *testing.T) (*Network, uuid.UUID, uuid.UUID) {
	t.Helper()
	n := New(1)
	a, err := n.Add(nn.NewIdentity(), n.Input(0))
	require.NoError(t, err)
	b, err := n.Add(nn.NewIdentity(), a)
	require.NoError(t, err)
	n.nodes[a].inputs = []uuid.UUID{b}
	return n, a, b
}

// TestCheck_DetectsCycle tests the topological check.
func TestCheck_DetectsCycle(t *testing.T) {
	n, _, _ := cyclic(t)
	err := n.Check()
	require.ErrorIs(t, err, errs.ErrIllegalState)
	assert.Contains(t, err.Error(), "cycle")

	_, err = n.Add(nn.NewReLU(), n.Input(0))
	assert.ErrorIs(t, err, errs.ErrIllegalState)
}

// TestContext_CycleOnEvaluationPath tests that a node requested from its own
// evaluation path fails instead of waiting on itself.
func TestContext_CycleOnEvaluationPath(t *testing.T) {
	n, _, _ := cyclic(t)
	x := autodiff.NewConstant(tensor.MustHostList(tensor.Of(1)))
	defer x.FreeRef()

	c, err := n.NewContext(x)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Get(context.Background(), c.Head())
	require.ErrorIs(t, err, errs.ErrIllegalState)
	assert.Contains(t, err.Error(), "cycle")
}

// TestSnapshot_ExpectedCounts tests consumer counting from the head.
func TestSnapshot_ExpectedCounts(t *testing.T) {
	n := New(2)
	a, err := n.Add(nn.NewIdentity(), n.Input(0))
	require.NoError(t, err)
	_, err = n.Add(nn.NewIdentity(), n.Input(1)) // not reachable
	require.NoError(t, err)
	head, err := n.Add(nn.NewSumInputs(), a, a, n.Input(0))
	require.NoError(t, err)

	p, err := n.snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{
		head:       1,
		a:          2,
		n.Input(0): 2,
	}, p.expected)
}

// TestState_String tests state names.
func TestState_String(t *testing.T) {
	assert.Equal(t, "Pending", Pending.String())
	assert.Equal(t, "State(9)", State(9).String())
}
