package engine

import "container/list"

type entry struct {
	id   string
	task Task
}

// backlog is an insertion-ordered map of pending tasks.
// Re-setting an existing id replaces the task but keeps its position.
// Not safe for concurrent use; the scheduler guards it with its mutex.
type backlog struct {
	order *list.List
	index map[string]*list.Element
}

func newBacklog() *backlog {
	return &backlog{order: list.New(), index: map[string]*list.Element{}}
}

// set inserts or overwrites id. It reports whether an entry was replaced.
func (b *backlog) set(id string, task Task) bool {
	if el, ok := b.index[id]; ok {
		el.Value.(*entry).task = task
		return true
	}
	b.index[id] = b.order.PushBack(&entry{id: id, task: task})
	return false
}

// shift removes and returns the oldest entry.
func (b *backlog) shift() (string, Task, bool) {
	el := b.order.Front()
	if el == nil {
		return "", nil, false
	}
	e := b.order.Remove(el).(*entry)
	delete(b.index, e.id)
	return e.id, e.task, true
}

func (b *backlog) ids() []string {
	out := make([]string, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).id)
	}
	return out
}

func (b *backlog) len() int { return b.order.Len() }

// clear drops every entry and returns how many were dropped.
func (b *backlog) clear() int {
	n := b.order.Len()
	b.order.Init()
	b.index = map[string]*list.Element{}
	return n
}
