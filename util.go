package boardsync

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

// makes a copy of the list on update, so iteration never holds the lock.
// entries are tracked by handle because function values are not comparable.
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextIndex int
	entries   []callbackEntry[T]
}

type callbackEntry[T any] struct {
	index    int
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// Add returns an unsubscribe function. Unsubscribe is idempotent.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	index := self.nextIndex
	self.nextIndex += 1
	nextEntries := make([]callbackEntry[T], len(self.entries), len(self.entries)+1)
	copy(nextEntries, self.entries)
	self.entries = append(nextEntries, callbackEntry[T]{
		index:    index,
		callback: callback,
	})

	return func() {
		self.remove(index)
	}
}

func (self *CallbackList[T]) remove(index int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, entry := range self.entries {
		if entry.index == index {
			nextEntries := make([]callbackEntry[T], 0, len(self.entries)-1)
			nextEntries = append(nextEntries, self.entries[0:i]...)
			nextEntries = append(nextEntries, self.entries[i+1:]...)
			self.entries = nextEntries
			return
		}
	}
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.entries = nil
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}

// Reconnect spaces connection attempts at least `timeout` apart,
// measured from creation.
type Reconnect struct {
	start   time.Time
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		start:   time.Now(),
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	return time.After(remaining)
}

// goroutineId parses the id out of the stack header, "goroutine 123 [...".
// Store notifications can re-enter on the goroutine that raised them; the id
// tells such a nested call apart from a concurrent caller.
func goroutineId() uint64 {
	buff := make([]byte, 64)
	buff = buff[:runtime.Stack(buff, false)]
	fields := bytes.Fields(buff)
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// all externally supplied callbacks are invoked through this wrapper so a
// panic in one handler cannot tear down a pump loop.
func safeCallback(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[%s]callback recovered = %v\n", tag, r)
		}
	}()
	callback()
}
