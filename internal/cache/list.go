package cache

// node is an intrusive list element owned by exactly one engine. freq is only
// meaningful for LFU.
type node struct {
	key   string
	value any
	freq  int

	prev *node
	next *node
}

// list is a doubly linked list with sentinel head and tail so that insertion
// and removal never branch on the ends. head.next is the most recently
// touched node, tail.prev the least.
type list struct {
	head node
	tail node
	len  int
}

func newList() *list {
	l := &list{}
	l.reset()
	return l
}

func (l *list) reset() {
	l.head.next = &l.tail
	l.head.prev = nil
	l.tail.prev = &l.head
	l.tail.next = nil
	l.len = 0
}

func (l *list) pushFront(n *node) {
	n.prev = &l.head
	n.next = l.head.next
	l.head.next.prev = n
	l.head.next = n
	l.len++
}

func (l *list) remove(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
	l.len--
}

func (l *list) moveToFront(n *node) {
	if l.head.next == n {
		return
	}
	l.remove(n)
	l.pushFront(n)
}

// back returns the least recently touched node, or nil when empty.
func (l *list) back() *node {
	if l.len == 0 {
		return nil
	}
	return l.tail.prev
}
