package event

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	hook := func(i int, err error) Callable {
		return CallableFunc(func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			return err
		})
	}

	c := NewCleaner()
	c.Add(hook(1, nil))
	c.Add(hook(2, errors.New("boom")))
	c.Add(hook(3, nil))

	loggerClosed := false
	c.loggerShutdown = CallableFunc(func(ctx context.Context) error {
		loggerClosed = true
		return nil
	})

	c.Shutdown()
	<-c.Done()

	assert.Equal(t, []int{3, 2, 1}, order)
	assert.True(t, loggerClosed)

	c.Add(hook(4, nil))
	c.Shutdown()
	assert.Equal(t, []int{3, 2, 1}, order)
}
