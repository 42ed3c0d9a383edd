// Package tasks keeps the console's view of backend tasks and the optimistic edits
// made to it.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/logging"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("task not found")

type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusTranscribing Status = "transcribing"
	StatusSummarizing  Status = "summarizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further backend progress is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Task struct {
	ID         string              `json:"id"`
	Filename   string              `json:"filename"`
	Status     Status              `json:"status"`
	Markdown   string              `json:"markdown,omitempty"`
	Transcript *backend.Transcript `json:"transcript,omitempty"`
	CreatedAt  string              `json:"createdAt,omitempty"`

	addedAt time.Time
}

// FromSummary converts a task-list row.
func FromSummary(s backend.TaskSummary) Task {
	return Task{ID: s.ID, Filename: s.Filename, Status: Status(s.Status), Markdown: s.Markdown, CreatedAt: s.CreatedAt}
}

// Patch is a merge-patch applied by UpdateTask. Nil fields are left alone.
type Patch struct {
	Filename   *string
	Status     *Status
	Markdown   *string
	Transcript *backend.Transcript
}

// PatchFromDetail builds the patch a task-detail response implies.
func PatchFromDetail(d backend.TaskDetail) Patch {
	p := Patch{Transcript: d.Transcript}
	if d.Status != "" {
		st := Status(d.Status)
		p.Status = &st
	}
	if d.Filename != "" {
		p.Filename = &d.Filename
	}
	md := d.Markdown
	p.Markdown = &md
	return p
}

type ChangeKind string

const (
	ChangeLoad    ChangeKind = "load"
	ChangeAdd     ChangeKind = "add"
	ChangeUpdate  ChangeKind = "update"
	ChangeRemove  ChangeKind = "remove"
	ChangeRestore ChangeKind = "restore"
	ChangeCurrent ChangeKind = "current"
)

type Change struct {
	Kind   ChangeKind `json:"kind"`
	TaskID string     `json:"taskId,omitempty"`
}

// Removed describes a task taken out by RemoveTask, enough to put it back.
type Removed struct {
	Task       Task
	Index      int
	WasCurrent bool
}

// Registry is the single owner of the task list. It is newest first.
type Registry struct {
	notifier events.Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	tasks   []Task
	current string

	lmu       sync.RWMutex
	nextID    int
	listeners map[int]func(Change)
}

func NewRegistry(notifier events.Notifier, logger *zap.Logger) *Registry {
	return &Registry{
		notifier:  notifier,
		logger:    logging.OrNop(logger),
		now:       time.Now,
		listeners: make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every change; it runs after the change is applied.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.lmu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.lmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.lmu.Lock()
			delete(r.listeners, id)
			r.lmu.Unlock()
		})
	}
}

func (r *Registry) emit(c Change) {
	r.lmu.RLock()
	fns := make([]func(Change), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.lmu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
	if r.notifier != nil {
		if err := r.notifier.Publish(context.Background(), events.TopicTasks, c.TaskID, c); err != nil {
			r.logger.Debug("publish task change failed", zap.Error(err))
		}
	}
}

// LoadTasks replaces the list with a backend listing fetched at since. Optimistic
// inserts made after since that the listing does not know yet are kept on top, and
// fields the listing omits are carried over from the previous entry.
func (r *Registry) LoadTasks(list []Task, since time.Time) {
	r.mu.Lock()
	prev := make(map[string]Task, len(r.tasks))
	for _, t := range r.tasks {
		prev[t.ID] = t
	}
	listed := make(map[string]bool, len(list))
	for _, t := range list {
		listed[t.ID] = true
	}

	next := make([]Task, 0, len(list))
	for _, t := range r.tasks {
		if !listed[t.ID] && !t.addedAt.IsZero() && !t.addedAt.Before(since) {
			next = append(next, t)
		}
	}
	seen := make(map[string]bool, len(list))
	for _, t := range list {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if old, ok := prev[t.ID]; ok {
			if t.Markdown == "" {
				t.Markdown = old.Markdown
			}
			if t.Transcript == nil {
				t.Transcript = old.Transcript
			}
		}
		next = append(next, t)
	}
	r.tasks = next
	if r.current != "" && r.indexLocked(r.current) < 0 {
		r.current = ""
	}
	r.mu.Unlock()
	r.emit(Change{Kind: ChangeLoad})
}

// AddTask prepends t, replacing any entry with the same id.
func (r *Registry) AddTask(t Task) {
	r.mu.Lock()
	if i := r.indexLocked(t.ID); i >= 0 {
		r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
	}
	t.addedAt = r.now()
	r.tasks = append([]Task{t}, r.tasks...)
	r.mu.Unlock()
	r.emit(Change{Kind: ChangeAdd, TaskID: t.ID})
}

// UpdateTask merges p into the task. An empty markdown never replaces a non-empty one.
func (r *Registry) UpdateTask(id string, p Patch) (Task, bool) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return Task{}, false
	}
	t := r.tasks[i]
	if p.Filename != nil {
		t.Filename = *p.Filename
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Markdown != nil && (*p.Markdown != "" || t.Markdown == "") {
		t.Markdown = *p.Markdown
	}
	if p.Transcript != nil {
		t.Transcript = p.Transcript
	}
	r.tasks[i] = t
	r.mu.Unlock()
	r.emit(Change{Kind: ChangeUpdate, TaskID: id})
	return t, true
}

// RemoveTask takes id out of the list, clearing the current task when it was that one.
func (r *Registry) RemoveTask(id string) (Removed, bool) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return Removed{}, false
	}
	rm := Removed{Task: r.tasks[i], Index: i, WasCurrent: r.current == id}
	r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
	if rm.WasCurrent {
		r.current = ""
	}
	r.mu.Unlock()
	r.emit(Change{Kind: ChangeRemove, TaskID: id})
	return rm, true
}

// Restore puts back a task removed by RemoveTask unless it reappeared meanwhile.
func (r *Registry) Restore(rm Removed) {
	r.mu.Lock()
	if r.indexLocked(rm.Task.ID) >= 0 {
		r.mu.Unlock()
		return
	}
	i := rm.Index
	if i < 0 {
		i = 0
	}
	if i > len(r.tasks) {
		i = len(r.tasks)
	}
	r.tasks = append(r.tasks, Task{})
	copy(r.tasks[i+1:], r.tasks[i:])
	r.tasks[i] = rm.Task
	if rm.WasCurrent && r.current == "" {
		r.current = rm.Task.ID
	}
	r.mu.Unlock()
	r.emit(Change{Kind: ChangeRestore, TaskID: rm.Task.ID})
}

// SetCurrent selects the viewed task; the empty id clears it.
func (r *Registry) SetCurrent(id string) error {
	r.mu.Lock()
	if id != "" && r.indexLocked(id) < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	changed := r.current != id
	r.current = id
	r.mu.Unlock()
	if changed {
		r.emit(Change{Kind: ChangeCurrent, TaskID: id})
	}
	return nil
}

func (r *Registry) Current() (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == "" {
		return Task{}, false
	}
	i := r.indexLocked(r.current)
	if i < 0 {
		return Task{}, false
	}
	return r.tasks[i], true
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(id)
	if i < 0 {
		return Task{}, false
	}
	return r.tasks[i], true
}

// Has reports whether id is still registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Task(nil), r.tasks...)
}

func (r *Registry) indexLocked(id string) int {
	for i, t := range r.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
