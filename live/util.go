package live

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks map[Id]T
	// insertion order
	callbackIds []Id
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks:   map[Id]T{},
		callbackIds: []Id{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	self.callbacks[callbackId] = callback
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	i := slices.Index(self.callbackIds, callbackId)
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// a fixed delay measured from when the reconnect is created,
// i.e. from the moment the previous connection ended
type Reconnect struct {
	endTime time.Time
}

func NewReconnect(reconnectTimeout time.Duration) *Reconnect {
	return &Reconnect{
		endTime: time.Now().Add(reconnectTimeout),
	}
}

func (self *Reconnect) Remaining() time.Duration {
	return max(0, time.Until(self.endTime))
}

// the returned timer must be stopped by the caller if it does not fire
func (self *Reconnect) Timer() *time.Timer {
	return time.NewTimer(self.Remaining())
}
