package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The same product in two lines must end up as one reservation carrying
// the full quantity, or the release after a cancel puts back less stock
// than the checkout took.
func TestMergeLineItemsCollapsesDuplicates(t *testing.T) {
	lines, err := mergeLineItems([]ItemInput{
		{ProductID: "p-1", Qty: 2},
		{ProductID: "p-2", Qty: 1},
		{ProductID: "p-1", Qty: 2},
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, ItemInput{ProductID: "p-1", Qty: 4}, lines[0])
	assert.Equal(t, ItemInput{ProductID: "p-2", Qty: 1}, lines[1])
}

func TestMergeLineItemsKeepsUniqueLines(t *testing.T) {
	in := []ItemInput{{ProductID: "p-1", Qty: 1}, {ProductID: "p-2", Qty: 3}}
	lines, err := mergeLineItems(in)
	require.NoError(t, err)
	assert.Equal(t, in, lines)
}

func TestMergeLineItemsRejectsNonPositiveQty(t *testing.T) {
	_, err := mergeLineItems([]ItemInput{{ProductID: "p-1", Qty: 0}})
	assert.Error(t, err)
	_, err = mergeLineItems([]ItemInput{{ProductID: "p-1", Qty: 2}, {ProductID: "p-2", Qty: -1}})
	assert.Error(t, err)
}
