package tsctimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickMonotonic(t *testing.T) {
	timer := New()
	a := timer.Tick()
	time.Sleep(time.Millisecond)
	b := timer.Tick()
	assert.Greater(t, b, a)
}

func TestConversions(t *testing.T) {
	timer := New()
	assert.Equal(t, uint64(time.Millisecond)*250, timer.MsToTick(250))
	assert.Equal(t, uint64(250), timer.TickToMs(timer.MsToTick(250)))
}
