package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l3aro/bindelta/pkg/graph"
)

func TestAddFixedPointRejectsClaimedVertices(t *testing.T) {
	primary := threeFunctionBinary(t, "a.exe")
	secondary := threeFunctionBinary(t, "b.exe")
	c := NewContext(primary, secondary)

	_, err := c.AddFixedPoint(0, 0, "function: name hash matching")
	require.NoError(t, err)

	// Same primary vertex against a different secondary.
	_, err = c.AddFixedPoint(0, 1, "function: hash matching")
	assert.ErrorIs(t, err, ErrVertexClaimed)

	// Same secondary vertex against a different primary.
	_, err = c.AddFixedPoint(1, 0, "function: hash matching")
	assert.ErrorIs(t, err, ErrVertexClaimed)

	assert.Equal(t, 1, c.FixedPointCount())
}

func TestAddBasicBlockMatchRejectsClaimedBlocks(t *testing.T) {
	primary := threeFunctionBinary(t, "a.exe")
	secondary := threeFunctionBinary(t, "b.exe")
	c := NewContext(primary, secondary)

	fp, err := c.AddFixedPoint(0, 0, "function: name hash matching")
	require.NoError(t, err)

	require.NoError(t, c.AddBasicBlockMatch(fp, 0, 0, "basicBlock: hash matching", 1.0))
	assert.ErrorIs(t, c.AddBasicBlockMatch(fp, 0, 1, "basicBlock: prime matching", 0.95), ErrVertexClaimed)
	assert.ErrorIs(t, c.AddBasicBlockMatch(fp, 1, 0, "basicBlock: prime matching", 0.95), ErrVertexClaimed)
	assert.Equal(t, 1, fp.BasicBlockMatchCount())
}

func TestRemoveFixedPointAllowsRematch(t *testing.T) {
	primary := threeFunctionBinary(t, "a.exe")
	secondary := threeFunctionBinary(t, "b.exe")
	c := NewContext(primary, secondary)

	fp, err := c.AddFixedPoint(0, 0, "function: name hash matching")
	require.NoError(t, err)
	require.NoError(t, c.AddBasicBlockMatch(fp, 0, 0, "basicBlock: hash matching", 1.0))

	c.RemoveFixedPoint(fp)
	assert.Equal(t, 0, c.FixedPointCount())
	_, ok := c.PrimaryFixedPoint(0)
	assert.False(t, ok)
	_, ok = c.SecondaryFixedPoint(0)
	assert.False(t, ok)

	// Both vertices are free again.
	refp, err := c.AddFixedPoint(0, 0, "function: hash matching")
	require.NoError(t, err)
	assert.Equal(t, 0, refp.BasicBlockMatchCount())
}

func TestFixedPointsSortedByPrimaryVertex(t *testing.T) {
	primary := threeFunctionBinary(t, "a.exe")
	secondary := threeFunctionBinary(t, "b.exe")
	c := NewContext(primary, secondary)

	for _, v := range []graph.VertexID{2, 0, 1} {
		_, err := c.AddFixedPoint(v, v, "function: name hash matching")
		require.NoError(t, err)
	}

	fps := c.FixedPoints()
	require.Len(t, fps, 3)
	for i := 1; i < len(fps); i++ {
		assert.Less(t, fps[i-1].Primary, fps[i].Primary)
	}
}

func TestUnmatchedFunctionsShrinkAsMatchesLand(t *testing.T) {
	primary := threeFunctionBinary(t, "a.exe")
	secondary := threeFunctionBinary(t, "b.exe")
	c := NewContext(primary, secondary)

	require.Len(t, c.UnmatchedPrimaryFunctions(), 3)
	require.Len(t, c.UnmatchedSecondaryFunctions(), 3)

	_, err := c.AddFixedPoint(1, 2, "function: name hash matching")
	require.NoError(t, err)

	up := c.UnmatchedPrimaryFunctions()
	us := c.UnmatchedSecondaryFunctions()
	assert.Len(t, up, 2)
	assert.Len(t, us, 2)
	assert.False(t, up.Contains(1))
	assert.False(t, us.Contains(2))
}
