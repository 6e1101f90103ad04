// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package ilist provides intrusive doubly-linked lists for the broker's
// dispatch worklists. Unlike container/list, the link lives inside the
// owning object, so an entry can answer "am I queued?" in O(1) from its
// own side, unlink itself from whatever list holds it without a search,
// and carry its owner back out when popped. These properties are what
// the dispatch loop's at-most-once hangup queuing and splice-back
// iteration safety are built on.
package ilist

// Link is one entry's membership token in a List. Embed or hold one
// Link per list the owner can appear on, and call Init with the owner
// before first use. A Link belongs to at most one List at a time.
type Link[T any] struct {
	prev, next *Link[T]
	value      T
}

// Init associates the link with its owning value. Must be called
// before the link is pushed onto any list. Re-initializing a linked
// entry is a programming error.
func (l *Link[T]) Init(value T) {
	if l.Linked() {
		panic("ilist: Init on a linked entry")
	}
	l.value = value
	l.prev = nil
	l.next = nil
}

// Value returns the owner associated with the link at Init time.
func (l *Link[T]) Value() T {
	return l.value
}

// Linked reports whether the entry is currently on a list.
func (l *Link[T]) Linked() bool {
	return l.next != nil
}

// Unlink removes the entry from whatever list holds it, leaving it
// ready for reinsertion. Unlinking an entry that is not on a list is a
// no-op.
func (l *Link[T]) Unlink() {
	if !l.Linked() {
		return
	}
	l.prev.next = l.next
	l.next.prev = l.prev
	l.prev = nil
	l.next = nil
}

// List is an ordered collection of Links with a sentinel head. The
// zero value is not usable; construct with New.
type List[T any] struct {
	head Link[T]
}

// New returns an empty list.
func New[T any]() *List[T] {
	list := &List[T]{}
	list.head.prev = &list.head
	list.head.next = &list.head
	return list
}

// Empty reports whether the list has no entries.
func (list *List[T]) Empty() bool {
	return list.head.next == &list.head
}

// Len counts the entries. O(n); used by invariant checks and tests,
// not by the dispatch loop.
func (list *List[T]) Len() int {
	n := 0
	for l := list.head.next; l != &list.head; l = l.next {
		n++
	}
	return n
}

// PushBack appends the entry. Pushing an entry that is already on a
// list is a programming error: callers enforce at-most-once membership
// by checking Linked first.
func (list *List[T]) PushBack(l *Link[T]) {
	if l.Linked() {
		panic("ilist: PushBack on a linked entry")
	}
	l.prev = list.head.prev
	l.next = &list.head
	list.head.prev.next = l
	list.head.prev = l
}

// PushFront prepends the entry. Same membership rules as PushBack.
func (list *List[T]) PushFront(l *Link[T]) {
	if l.Linked() {
		panic("ilist: PushFront on a linked entry")
	}
	l.prev = &list.head
	l.next = list.head.next
	list.head.next.prev = l
	list.head.next = l
}

// Front returns the first entry without removing it, or nil if the
// list is empty.
func (list *List[T]) Front() *Link[T] {
	if list.Empty() {
		return nil
	}
	return list.head.next
}

// SpliceFront moves every entry of other onto the head of list,
// preserving other's internal order, and leaves other empty. Used by
// the dispatch loop to return the processed batch to the ready list so
// the next iteration observes the original ordering.
func (list *List[T]) SpliceFront(other *List[T]) {
	if other.Empty() {
		return
	}
	first := other.head.next
	last := other.head.prev

	first.prev = &list.head
	last.next = list.head.next
	list.head.next.prev = last
	list.head.next = first

	other.head.prev = &other.head
	other.head.next = &other.head
}
