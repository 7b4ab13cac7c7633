// README: Position feed: the callback-style source a live session watches.
package session

import (
	"errors"
	"sync"
	"time"

	"driverline/internal/types"
)

var ErrAlreadyWatched = errors.New("position feed already has a watcher")

// Sample is one device position report.
type Sample struct {
	Position types.Point
	Heading  *float64
	At       time.Time
}

// PositionSource delivers samples to a single registered callback until the
// returned unregister func runs.
type PositionSource interface {
	Watch(fn func(Sample)) (unregister func(), err error)
}

// Feed is a PositionSource fed by Push, typically from a socket reader.
type Feed struct {
	mu sync.Mutex
	fn func(Sample)
}

func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) Watch(fn func(Sample)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fn != nil {
		return nil, ErrAlreadyWatched
	}
	f.fn = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.fn = nil
			f.mu.Unlock()
		})
	}, nil
}

// Push hands s to the watcher and reports whether one was registered.
func (f *Feed) Push(s Sample) bool {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(s)
	return true
}
