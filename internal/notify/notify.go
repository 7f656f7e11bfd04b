// Package notify carries user-facing notices from the core to the
// presentation layer. Every user-initiated action emits a success or failure
// notice; passive background reconciliation stays silent.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Level classifies a notice for presentation.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is one user-visible message.
type Notice struct {
	Level  Level  `json:"level"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Notifier receives notices destined for the user.
type Notifier interface {
	Push(notice Notice)
}

// Feed buffers notices for one browser session until the front end drains
// them. The buffer is bounded; oldest notices are dropped when full.
type Feed struct {
	mu      sync.Mutex
	pending []Notice
	limit   int
	logger  *zap.Logger
}

const defaultFeedLimit = 64

// NewFeed constructs a session notice feed.
func NewFeed(logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{limit: defaultFeedLimit, logger: logger}
}

// Push appends a notice, evicting the oldest entry when the buffer is full.
func (f *Feed) Push(notice Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) >= f.limit {
		f.pending = f.pending[1:]
	}
	f.pending = append(f.pending, notice)
	f.logger.Debug("notice queued",
		zap.String("level", string(notice.Level)),
		zap.String("title", notice.Title),
	)
}

// Drain returns and clears all pending notices in arrival order.
func (f *Feed) Drain() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	drained := f.pending
	f.pending = nil
	return drained
}
