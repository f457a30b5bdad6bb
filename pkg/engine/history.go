package engine

import (
	"container/list"
	"sync"

	"github.com/web4ai/orchestrator/pkg/types"
)

// history retains finalized tasks for get queries under a total
// budget. Records live in two tiers: recent ones keep their payloads,
// older ones are demoted to payload-stripped summaries, and the oldest
// summaries are dropped. Total retention never exceeds the limit.
type history struct {
	mu      sync.Mutex
	limit   int
	fullCap int

	fulls  *list.List // front = most recent, values *types.Task
	strips *list.List
	byID   map[string]*histEntry
}

type histEntry struct {
	el       *list.Element
	stripped bool
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 1
	}
	fullCap := limit / 2
	if fullCap < 1 {
		fullCap = 1
	}
	return &history{
		limit:   limit,
		fullCap: fullCap,
		fulls:   list.New(),
		strips:  list.New(),
		byID:    make(map[string]*histEntry),
	}
}

// Add inserts a finalized task, replacing any previous entry with the
// same id.
func (h *history) Add(t *types.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.byID[t.ID]; ok {
		h.removeLocked(t.ID, e)
	}
	h.byID[t.ID] = &histEntry{el: h.fulls.PushFront(t)}

	if h.fulls.Len() > h.fullCap {
		h.demoteLocked()
	}
	for h.fulls.Len()+h.strips.Len() > h.limit {
		tail := h.strips.Back()
		if tail == nil {
			tail = h.fulls.Back()
		}
		task := tail.Value.(*types.Task)
		h.removeLocked(task.ID, h.byID[task.ID])
		delete(h.byID, task.ID)
	}
}

// demoteLocked strips the oldest full record and moves it to the
// summary tier.
func (h *history) demoteLocked() {
	tail := h.fulls.Back()
	if tail == nil {
		return
	}
	task := tail.Value.(*types.Task)
	h.fulls.Remove(tail)

	stripped := task.Clone()
	stripped.InputData = nil
	stripped.Result = nil

	e := h.byID[task.ID]
	e.el = h.strips.PushFront(stripped)
	e.stripped = true
}

func (h *history) removeLocked(id string, e *histEntry) {
	if e.stripped {
		h.strips.Remove(e.el)
	} else {
		h.fulls.Remove(e.el)
	}
	delete(h.byID, id)
}

// Get returns the retained record, if any.
func (h *history) Get(id string) (*types.Task, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	return e.el.Value.(*types.Task), true
}

// Each calls fn for every retained record, full records first, most
// recent first within each tier.
func (h *history) Each(fn func(*types.Task) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range []*list.List{h.fulls, h.strips} {
		for el := l.Front(); el != nil; el = el.Next() {
			if !fn(el.Value.(*types.Task)) {
				return
			}
		}
	}
}

// Len returns the number of retained records.
func (h *history) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fulls.Len() + h.strips.Len()
}
