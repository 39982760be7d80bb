package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMultiNotifyDoesntCrash(t *testing.T) {
	sig := New(make(chan struct{}))
	sig.Notify()
	sig.Notify()
	// If code has reached here without crashing, the test has passed.
}

func TestWait(t *testing.T) {
	sig := New(make(chan struct{}))
	assert.False(t, sig.Notified())
	sig.Notify()
	select {
	case <-sig.Wait():
		assert.True(t, sig.Notified())
	default:
		// sig.Wait() should have been read from, because sig.Notify() closed it.
		t.Fail()
	}
}

func TestContextCancelledOnNotify(t *testing.T) {
	sig := New(make(chan struct{}))
	ctx, cancel := sig.Context(context.Background())
	defer cancel()

	assert.NoError(t, ctx.Err())
	sig.Notify()
	select {
	case <-ctx.Done():
		assert.Equal(t, context.Canceled, ctx.Err())
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled by Notify")
	}
}

func TestContextFollowsParent(t *testing.T) {
	sig := New(make(chan struct{}))
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := sig.Context(parent)
	defer cancel()

	cancelParent()
	<-ctx.Done()
	assert.False(t, sig.Notified())
}
