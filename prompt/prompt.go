// Package prompt turns free chat into a modal choice: a human is shown a
// numbered list of options and the next message they send answers it.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/metrics"
)

var (
	// ErrConflict is returned when the identity already has a live prompt
	ErrConflict = errors.New("prompt: a choice is already pending for this identity")
	// ErrTimeout is returned when the human did not answer in time
	ErrTimeout = errors.New("prompt: timed out waiting for a choice")
	// ErrNoOptions is returned when there is nothing to choose from
	ErrNoOptions = errors.New("prompt: no options to choose from")
)

// Selection is a human reply applied to a list of options
type Selection struct {
	Index int    // 0-based position of the chosen option, -1 when nothing matched
	Text  string // the raw reply
}

// Matched reports whether the reply picked one of the options
func (s Selection) Matched() bool { return s.Index >= 0 }

// Select applies a reply to options: a number picks by 1-based position,
// anything else must equal an option label ignoring case.
func Select(options []string, reply string) Selection {
	text := strings.TrimSpace(reply)
	sel := Selection{Index: -1, Text: text}

	if n, err := strconv.Atoi(text); err == nil {
		if n >= 1 && n <= len(options) {
			sel.Index = n - 1
		}
		return sel
	}

	for i, o := range options {
		if strings.EqualFold(strings.TrimSpace(o), text) {
			sel.Index = i
			break
		}
	}
	return sel
}

// Render formats the option list shown to the human
func Render(options []string) string {
	var b strings.Builder
	b.WriteString("Choose a button (reply with its number or text):")
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o)
	}
	return b.String()
}

// Sender delivers the rendered option list
type Sender interface {
	SendText(ctx context.Context, to int64, text string) error
}

// Choice is the outcome of a prompt together with the message that carried the options
type Choice[M any] struct {
	Selection
	Origin M
}

type entry[M any] struct {
	origin  M
	options []string
	ch      chan Selection
}

// Broker keeps at most one live prompt per identity
type Broker[M any] struct {
	sender  Sender
	mu      sync.Mutex
	pending map[int64]*entry[M]
}

// NewBroker creates a prompt broker sending through sender
func NewBroker[M any](sender Sender) *Broker[M] {
	return &Broker[M]{
		sender:  sender,
		pending: make(map[int64]*entry[M]),
	}
}

// Prompt shows options to who and waits for the answer.
// The origin is handed back with the choice so the caller can act on it.
func (b *Broker[M]) Prompt(ctx context.Context, who int64, origin M, options []string, timeout time.Duration) (Choice[M], error) {
	if len(options) == 0 {
		return Choice[M]{}, ErrNoOptions
	}

	b.mu.Lock()
	if _, busy := b.pending[who]; busy {
		b.mu.Unlock()
		metrics.PromptOutcomes.WithLabelValues("conflict").Inc()
		return Choice[M]{}, ErrConflict
	}
	e := &entry[M]{origin: origin, options: options, ch: make(chan Selection, 1)}
	b.pending[who] = e
	b.mu.Unlock()

	if err := b.sender.SendText(ctx, who, Render(options)); err != nil {
		b.purge(who, e)
		return Choice[M]{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sel := <-e.ch:
		metrics.PromptOutcomes.WithLabelValues("selected").Inc()
		return Choice[M]{Selection: sel, Origin: origin}, nil
	case <-timer.C:
		return b.expire(who, e, ErrTimeout)
	case <-ctx.Done():
		return b.expire(who, e, ctx.Err())
	}
}

// expire purges the entry unless an answer slipped in first
func (b *Broker[M]) expire(who int64, e *entry[M], cause error) (Choice[M], error) {
	if b.purge(who, e) {
		metrics.PromptOutcomes.WithLabelValues("timeout").Inc()
		return Choice[M]{}, cause
	}
	sel := <-e.ch
	metrics.PromptOutcomes.WithLabelValues("selected").Inc()
	return Choice[M]{Selection: sel, Origin: e.origin}, nil
}

func (b *Broker[M]) purge(who int64, e *entry[M]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.pending[who]; ok && cur == e {
		delete(b.pending, who)
		return true
	}
	return false
}

// Resolve consumes reply if who has a live prompt and reports whether it did
func (b *Broker[M]) Resolve(who int64, reply string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.pending[who]
	if !ok {
		return false
	}
	delete(b.pending, who)
	e.ch <- Select(e.options, reply)
	return true
}
