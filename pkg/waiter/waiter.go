// Package waiter implements a a wait queue, where waiters can be registered to
// be notified of events. It is loosely based on the implementation in gVisor.
package waiter

import (
	"sync"

	"hop.computer/snitun/pkg/list"
)

type Queue[T any] struct {
	l list.List[Entry[T]]
	m sync.RWMutex
}

type Entry[T any] struct {
	listener EventListener[T]
}

type EventListener[T any] interface {
	NotifyEvent(*T)
}

func (q *Queue[T]) EventRegister(e *Entry[T]) {
	q.m.Lock()
	defer q.m.Unlock()
	q.l.PushBack(e)
}

func (q *Queue[T]) EventUnregister(e *Entry[T]) bool {
	q.m.Lock()
	defer q.m.Unlock()
	ret := q.l.Remove(e)
	return ret
}

// Notify delivers one event to every registered listener, in registration
// order.
func (q *Queue[T]) Notify(t *T) {
	q.m.RLock()
	defer q.m.RUnlock()
	for e := q.l.FrontIter(); e != nil; e = e.Next() {
		e.Element().listener.NotifyEvent(t)
	}
}

type functionNotifier[T any] func(*T)

func (f functionNotifier[T]) NotifyEvent(t *T) {
	f(t)
}

func NewFunctionEntry[T any](f func(*T)) *Entry[T] {
	e := Entry[T]{
		listener: functionNotifier[T](f),
	}
	return &e
}

type channelNotifier[T any] chan *T

func (c channelNotifier[T]) NotifyEvent(t *T) {
	c <- t
}

func NewChannelEntry[T any](c chan *T) *Entry[T] {
	e := Entry[T]{
		listener: channelNotifier[T](c),
	}
	return &e
}
