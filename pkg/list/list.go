// Package list implements a doubly-linked list
package list

type Node[T any] struct {
	next, prev *Node[T]
	obj        *T
}

// Next returns the next item in the list, or nil if it reaches the end of the
// list.
func (n *Node[T]) Next() *Node[T] {
	return n.next
}

// Element returns a pointer to the object at this position in the list.
func (n *Node[T]) Element() *T {
	return n.obj
}

// List implements a doubly linked-list. Member comparison is implemented based
// on pointer address, not deep content equality. Head, tail, and size are
// tracked internally, so all operations are constant time unless noted
// otherwise. The list is not thread-safe.
type List[T any] struct {
	head, tail *Node[T]
	size       int
}

// Len returns the length of the list. This function is constant time.
func (l *List[T]) Len() int {
	return l.size
}

// PushBack appends e to the list.
func (l *List[T]) PushBack(e *T) {
	n := Node[T]{
		next: nil,
		prev: l.tail,
		obj:  e,
	}
	if l.head == nil {
		l.head = &n
	}
	if l.tail != nil {
		l.tail.next = &n
	}
	l.tail = &n
	l.size++
}

// Remove deletes the first instance of e from the list, if present. It returns
// true if an object was removed. Objects are compared based on pointer address.
// This function is O(n).
func (l *List[T]) Remove(e *T) bool {
	it := l.head
	for it != nil {
		if it.obj != e {
			it = it.next
			continue
		}
		if it.prev != nil {
			it.prev.next = it.next
		} else {
			l.head = it.next
		}
		if it.next != nil {
			it.next.prev = it.prev
		} else {
			l.tail = it.prev
		}
		it.next = nil
		it.prev = nil
		l.size--
		return true
	}
	return false
}

// FrontIter returns an iterator at the start of the list. The iterator will be
// nil when it reaches the end of a list, or if the list is empty.
func (l *List[T]) FrontIter() *Node[T] {
	return l.head
}
