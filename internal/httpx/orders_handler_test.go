package httpx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefundDue(t *testing.T) {
	amount, due := refundDue(10000, 1500)
	assert.True(t, due)
	assert.Equal(t, 8500, amount)

	_, due = refundDue(10000, 10000)
	assert.False(t, due, "a fully penalized cancel has nothing to refund")

	_, due = refundDue(10000, 12000)
	assert.False(t, due)
}
