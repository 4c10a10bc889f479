package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

func TestRegisterIsAtMostOnePerAppName(t *testing.T) {
	defer Unregister("app-a")

	require.NoError(t, Register("app-a", "stream-a"))
	err := Register("app-a", "stream-b")
	assert.ErrorIs(t, err, shtypes.ErrAppNameAlreadyRunning)

	stream, ok := Lookup("app-a")
	assert.True(t, ok)
	assert.Equal(t, shtypes.StreamName("stream-a"), stream)
}

func TestUnregisterAllowsReRegistration(t *testing.T) {
	require.NoError(t, Register("app-b", "stream-a"))
	Unregister("app-b")
	Unregister("app-b") // idempotent

	_, ok := Lookup("app-b")
	assert.False(t, ok)

	require.NoError(t, Register("app-b", "stream-c"))
	Unregister("app-b")
}

func TestRegisterIsSafeForConcurrentUse(t *testing.T) {
	const n = 50
	var wg sync.WaitGroup
	successes := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = Register("app-c", "stream") == nil
		}(i)
	}
	wg.Wait()
	defer Unregister("app-c")

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
