// Package notice holds transient notifications that clear themselves after
// a fixed delay or when dismissed.
package notice

import (
	"sync"
	"time"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ID identifies a notice on its board. Zero is never assigned.
type ID uint64

// Notice is one transient notification
type Notice struct {
	ID      ID
	Level   Level
	Text    string
	Created time.Time
}

// Board keeps notices until their TTL elapses
type Board struct {
	ttl      time.Duration
	onChange func()

	mu     sync.Mutex
	nextID ID
	items  []Notice
	timers map[ID]*time.Timer
	closed bool
}

// NewBoard creates a board. onChange, if set, runs after every add or removal
// without the board's lock held.
func NewBoard(ttl time.Duration, onChange func()) *Board {
	return &Board{
		ttl:      ttl,
		onChange: onChange,
		timers:   make(map[ID]*time.Timer),
	}
}

// Push adds a notice and schedules its removal.
func (b *Board) Push(level Level, text string) ID {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.nextID++
	id := b.nextID
	b.items = append(b.items, Notice{ID: id, Level: level, Text: text, Created: time.Now()})
	b.timers[id] = time.AfterFunc(b.ttl, func() { b.Dismiss(id) })
	b.mu.Unlock()

	b.changed()
	return id
}

// Dismiss removes a notice early. Unknown ids are ignored.
func (b *Board) Dismiss(id ID) {
	b.mu.Lock()
	removed := false
	for i, n := range b.items {
		if n.ID == id {
			b.items = append(b.items[:i:i], b.items[i+1:]...)
			removed = true
			break
		}
	}
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()

	if removed {
		b.changed()
	}
}

// DismissAll clears the board.
func (b *Board) DismissAll() {
	b.mu.Lock()
	had := len(b.items) > 0
	b.items = nil
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()

	if had {
		b.changed()
	}
}

// List returns the current notices, oldest first.
func (b *Board) List() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notice(nil), b.items...)
}

// Close stops all timers; later pushes are ignored.
func (b *Board) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.DismissAll()
}

func (b *Board) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}
