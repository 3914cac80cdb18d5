// Package msgbatch joins text messages that arrive in quick succession from
// one chat. Telegram splits long pastes into several messages; a script has
// to reach the pipeline whole.
package msgbatch

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Telegram cuts long pastes at 4096 characters. A part at least this long is
// taken to be such a cut and the next part continues it directly.
const splitThreshold = 4000

type Item struct {
	ChatID   int64
	Username string
	Text     string
}

type Batch struct {
	ChatID   int64
	Username string
	Parts    []string
}

// Text joins the parts in arrival order. Separately sent messages are joined
// by a newline; a part cut at the length limit runs on into the next one.
func (b Batch) Text() string {
	var sb strings.Builder
	for i, part := range b.Parts {
		if i > 0 && utf8.RuneCountInString(b.Parts[i-1]) < splitThreshold {
			sb.WriteByte('\n')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

type Options struct {
	Debounce time.Duration
	OnFlush  func(Batch)
}

type Aggregator struct {
	mu       sync.Mutex
	debounce time.Duration
	onFlush  func(Batch)
	pending  map[int64]*pendingBatch
}

type pendingBatch struct {
	batch Batch
	timer *time.Timer
}

func New(opts Options) *Aggregator {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 1200 * time.Millisecond
	}

	return &Aggregator{
		debounce: debounce,
		onFlush:  opts.OnFlush,
		pending:  make(map[int64]*pendingBatch),
	}
}

// Add queues a message and restarts the chat's debounce timer.
func (a *Aggregator) Add(item Item) {
	if item.Text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pb, ok := a.pending[item.ChatID]
	if !ok {
		pb = &pendingBatch{
			batch: Batch{
				ChatID:   item.ChatID,
				Username: item.Username,
			},
		}
		a.pending[item.ChatID] = pb
	}
	pb.batch.Parts = append(pb.batch.Parts, item.Text)

	if pb.timer != nil {
		pb.timer.Stop()
	}
	chatID := item.ChatID
	pb.timer = time.AfterFunc(a.debounce, func() {
		a.flush(chatID)
	})
}

// Flush delivers the chat's pending batch immediately, if any.
func (a *Aggregator) Flush(chatID int64) {
	a.mu.Lock()
	if pb, ok := a.pending[chatID]; ok && pb.timer != nil {
		pb.timer.Stop()
	}
	a.mu.Unlock()
	a.flush(chatID)
}

func (a *Aggregator) flush(chatID int64) {
	a.mu.Lock()
	pb, ok := a.pending[chatID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.pending, chatID)
	batch := pb.batch
	onFlush := a.onFlush
	a.mu.Unlock()

	if onFlush != nil {
		onFlush(batch)
	}
}
