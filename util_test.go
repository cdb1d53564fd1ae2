package boardsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbackList := NewCallbackList[func(int)]()

	values := []int{}
	unsubscribeA := callbackList.Add(func(v int) {
		values = append(values, v)
	})
	unsubscribeB := callbackList.Add(func(v int) {
		values = append(values, 10*v)
	})
	assert.Equal(t, callbackList.Len(), 2)

	for _, callback := range callbackList.Get() {
		callback(1)
	}
	assert.Equal(t, values, []int{1, 10})

	unsubscribeA()
	assert.Equal(t, callbackList.Len(), 1)
	for _, callback := range callbackList.Get() {
		callback(2)
	}
	assert.Equal(t, values, []int{1, 10, 20})

	// unsubscribe is idempotent
	unsubscribeA()
	assert.Equal(t, callbackList.Len(), 1)

	unsubscribeB()
	assert.Equal(t, callbackList.Len(), 0)

	callbackList.Add(func(v int) {})
	callbackList.Clear()
	assert.Equal(t, callbackList.Len(), 0)
}

func TestCallbackListIterationStable(t *testing.T) {
	callbackList := NewCallbackList[func()]()

	// removing during iteration does not affect the in-flight copy
	fired := 0
	var unsubscribeA func()
	unsubscribeA = callbackList.Add(func() {
		fired += 1
		unsubscribeA()
	})
	callbackList.Add(func() {
		fired += 1
	})

	for _, callback := range callbackList.Get() {
		callback()
	}
	assert.Equal(t, fired, 2)
	assert.Equal(t, callbackList.Len(), 1)
}

func TestGoroutineId(t *testing.T) {
	id := goroutineId()
	assert.NotEqual(t, id, uint64(0))
	// stable within a goroutine, distinct across goroutines
	assert.Equal(t, goroutineId(), id)

	otherId := make(chan uint64)
	go func() {
		otherId <- goroutineId()
	}()
	assert.NotEqual(t, <-otherId, id)
}

func TestSafeCallback(t *testing.T) {
	// a panicking handler must not take down the caller
	fired := false
	safeCallback("test", func() {
		panic("handler bug")
	})
	safeCallback("test", func() {
		fired = true
	})
	assert.Equal(t, fired, true)
}
