package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeDeadlineUsesDefault(t *testing.T) {
	before := time.Now()
	d := ComputeDeadline(0)
	assert.True(t, d.After(before.Add(DefaultTimeout-time.Second)))
	assert.True(t, d.Before(before.Add(DefaultTimeout+time.Second)))
}

func TestComputeDeadlineUsesGivenTimeout(t *testing.T) {
	before := time.Now()
	d := ComputeDeadline(5 * time.Second)
	assert.True(t, d.Before(before.Add(10*time.Second)))
	assert.True(t, d.After(before))
}

func TestHybridTimeMax(t *testing.T) {
	assert.Equal(t, HybridTime(10), Max(HybridTime(3), HybridTime(10)))
	assert.Equal(t, HybridTime(10), Max(HybridTime(10), HybridTime(3)))
}
