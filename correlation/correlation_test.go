package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/wire"
)

func TestIssueResolveAwait(t *testing.T) {
	b := NewBroker[string]("test")
	w := b.Issue()

	assert.Len(t, w.ID(), TokenLength)
	assert.True(t, wire.ValidToken(w.ID()))
	assert.Equal(t, 1, b.Pending())

	assert.True(t, b.Resolve(w.ID(), "pong"))
	got, err := b.Await(context.Background(), w, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
	assert.Equal(t, 0, b.Pending())
}

func TestResolveIsIdempotent(t *testing.T) {
	b := NewBroker[string]("test")
	w := b.Issue()

	assert.True(t, b.Resolve(w.ID(), "first"))
	assert.False(t, b.Resolve(w.ID(), "second"))
	assert.False(t, b.Resolve("unknown", "x"))

	got, err := b.Await(context.Background(), w, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestTimeoutPurgesAndLateReplyIsDropped(t *testing.T) {
	b := NewBroker[string]("test")
	w := b.Issue()

	_, err := b.Await(context.Background(), w, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, b.Pending())

	// a stale reply must not resurrect the slot
	assert.False(t, b.Resolve(w.ID(), "late"))
	assert.Equal(t, 0, b.Pending())
}

func TestAwaitContextCancelled(t *testing.T) {
	b := NewBroker[string]("test")
	w := b.Issue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Await(ctx, w, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Pending())
}

func TestCancel(t *testing.T) {
	b := NewBroker[int]("test")
	w := b.Issue()
	b.Cancel(w)
	assert.Equal(t, 0, b.Pending())
	assert.False(t, b.Resolve(w.ID(), 1))
}

func TestRegister(t *testing.T) {
	b := NewBroker[string]("test")

	w, err := b.Register("abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", w.ID())

	_, err = b.Register("abc123")
	assert.ErrorIs(t, err, ErrDuplicateToken)

	assert.True(t, b.Resolve("abc123", "ok"))

	// once resolved the token can be reused
	_, err = b.Register("abc123")
	assert.NoError(t, err)
}

func TestIssue_SkipsCollisions(t *testing.T) {
	b := NewBroker[string]("test")
	tokens := []string{"aaaa", "aaaa", "bbbb"}
	b.newToken = func() string {
		tok := tokens[0]
		tokens = tokens[1:]
		return tok
	}

	first := b.Issue()
	second := b.Issue()
	assert.Equal(t, "aaaa", first.ID())
	assert.Equal(t, "bbbb", second.ID())
}

func TestResolveOldest(t *testing.T) {
	b := NewBroker[string]("test")
	first := b.Issue()
	second := b.Issue()

	id, ok := b.ResolveOldest("reply-1")
	require.True(t, ok)
	assert.Equal(t, first.ID(), id)

	id, ok = b.ResolveOldest("reply-2")
	require.True(t, ok)
	assert.Equal(t, second.ID(), id)

	_, ok = b.ResolveOldest("unsolicited")
	assert.False(t, ok)

	got, err := b.Await(context.Background(), first, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "reply-1", got)
}

func TestConcurrentResolveDeliversOnce(t *testing.T) {
	b := NewBroker[int]("test")
	w := b.Issue()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if b.Resolve(w.ID(), i) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, delivered)
	_, err := b.Await(context.Background(), w, time.Second)
	assert.NoError(t, err)
}

func TestAwait_ReplyRacingTimeoutIsNotLost(t *testing.T) {
	b := NewBroker[string]("test")
	w := b.Issue()

	// resolve first, then abandon as a timeout would: the reply wins
	require.True(t, b.Resolve(w.ID(), "won"))
	got, err := b.abandon(w, ErrTimeout, "timeout")
	require.NoError(t, err)
	assert.Equal(t, "won", got)
}
