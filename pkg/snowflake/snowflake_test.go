package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextMonotonic(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)
	prev := gen.Next()
	for i := 0; i < 1000; i++ {
		id := gen.Next()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestMillisRoundTrip(t *testing.T) {
	gen, err := NewGenerator(2)
	require.NoError(t, err)
	before := time.Now().UnixMilli()
	id := gen.Next()
	after := time.Now().UnixMilli()
	ms := Millis(id)
	assert.GreaterOrEqual(t, ms, before)
	assert.LessOrEqual(t, ms, after)
}

func TestNodeIDRange(t *testing.T) {
	_, err := NewGenerator(1024)
	assert.Error(t, err)
}
