package walletapi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/correlation"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/logging"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletparse"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/wire"
)

const innerID = int64(555)

// fakeRelay plays the intermediary: answer maps a request to a reply text.
type fakeRelay struct {
	mu     sync.Mutex
	sent   []string
	err    error
	answer func(frame wire.Frame) (string, []byte)
	client *Client
}

func (f *fakeRelay) SendText(ctx context.Context, chatID int64, text string) error {
	if f.err != nil {
		return f.err
	}
	if chatID != innerID {
		return errors.New("wrong chat")
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()

	frame, ok := wire.Decode(text)
	if ok && f.answer != nil {
		reply, image := f.answer(frame)
		if reply != "" {
			go f.client.Deliver(reply, image)
		}
	}
	return nil
}

func (f *fakeRelay) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func newTestClient(f *fakeRelay, timeout time.Duration) *Client {
	c := New(f, Options{InnerID: innerID, Timeout: timeout, TransferTimeout: timeout},
		walletparse.Default(), logging.Discard())
	f.client = c
	return c
}

func echo(body string) func(wire.Frame) (string, []byte) {
	return func(fr wire.Frame) (string, []byte) {
		return wire.Encode(fr.Token, body), nil
	}
}

func TestBalance(t *testing.T) {
	f := &fakeRelay{answer: echo("Balance: 0.5 BTC")}
	c := newTestClient(f, time.Second)

	got, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Balance: 0.5 BTC", got)
	assert.Equal(t, 0, c.Pending())
}

func TestRate(t *testing.T) {
	f := &fakeRelay{answer: echo("BTC/RUB\n1 BTC = 500000 RUB\nbid 1\nask 2")}
	c := newTestClient(f, time.Second)

	q, err := c.Rate(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(500000).Equal(q.Rate))
	assert.Equal(t, "BTC/RUB\n1 BTC = 500000 RUB\nbid 1", q.Summary)
}

func TestRate_ChoiceRequired(t *testing.T) {
	f := &fakeRelay{answer: func(fr wire.Frame) (string, []byte) {
		return wire.Encode(fr.Token, wire.EncodeChoices([]string{"1H", "1D"})), []byte("png")
	}}
	c := newTestClient(f, time.Second)

	_, err := c.Rate(context.Background())
	var choice *ChoiceRequired
	require.ErrorAs(t, err, &choice)
	assert.Equal(t, []string{"1H", "1D"}, choice.Options)
	assert.Equal(t, []byte("png"), choice.Image)
	assert.True(t, wire.ValidToken(choice.Token))

	// solving reuses the token of the original request
	f.answer = echo("solved")
	require.NoError(t, c.SolveCaptcha(context.Background(), choice.Token, "1D"))
	assert.Equal(t, wire.Encode(choice.Token, "/solve_captcha 1D"), f.lastSent())
}

func TestSolveCaptcha_Failure(t *testing.T) {
	f := &fakeRelay{answer: echo("error: failed to click button")}
	c := newTestClient(f, time.Second)

	err := c.SolveCaptcha(context.Background(), "tok9", "A")
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, "tok9", replyErr.Token)
}

func TestSolveCaptcha_UnrecognisedReply(t *testing.T) {
	f := &fakeRelay{answer: echo("Button pressed, waiting")}
	c := newTestClient(f, time.Second)

	err := c.SolveCaptcha(context.Background(), "tok7", "A")
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, "Button pressed, waiting", replyErr.Body)
	assert.Equal(t, 0, c.Pending())
}

func TestErrorReplyClassified(t *testing.T) {
	f := &fakeRelay{answer: echo("Exception: insufficient funds")}
	c := newTestClient(f, time.Second)

	_, err := c.SendTo(context.Background(), "bc1qbuyer", decimal.RequireFromString("0.002"))
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Contains(t, replyErr.Body, "insufficient funds")
}

func TestSendTo(t *testing.T) {
	f := &fakeRelay{answer: echo("Sent. txid: abc123\nconfirmations: 1")}
	c := newTestClient(f, time.Second)

	tr, err := c.SendTo(context.Background(), "bc1qbuyer", decimal.RequireFromString("0.002"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", tr.TxID)
	assert.True(t, tr.ConfirmationsKnown)
	assert.Equal(t, 1, tr.Confirmations)

	frame, ok := wire.Decode(f.lastSent())
	require.True(t, ok)
	assert.Equal(t, "send_to address=bc1qbuyer amount=0.00200000", frame.Body)
}

func TestTimeoutThenStaleReplyDropped(t *testing.T) {
	f := &fakeRelay{}
	c := newTestClient(f, 30*time.Millisecond)

	_, err := c.Balance(context.Background())
	assert.ErrorIs(t, err, correlation.ErrTimeout)
	assert.Equal(t, 0, c.Pending())

	frame, ok := wire.Decode(f.lastSent())
	require.True(t, ok)

	// still a tagged reply, but nobody waits for it any more
	assert.True(t, c.Deliver(wire.Encode(frame.Token, "Balance: 1"), nil))
	assert.Equal(t, 0, c.Pending())
}

func TestTransportFailure(t *testing.T) {
	f := &fakeRelay{err: errors.New("chat not found")}
	c := newTestClient(f, time.Second)

	_, err := c.DepositAddress(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, c.Pending())

	assert.ErrorIs(t, c.Raw(context.Background(), "hi"), ErrTransport)
}

func TestDeliverIgnoresUntagged(t *testing.T) {
	c := newTestClient(&fakeRelay{}, time.Second)
	assert.False(t, c.Deliver("Who, who, who, who?", nil))
}

func TestDeliverTextWithChoices(t *testing.T) {
	f := &fakeRelay{answer: echo("captcha: A | B\nPick the cat")}
	c := newTestClient(f, time.Second)

	_, err := c.Balance(context.Background())
	var choice *ChoiceRequired
	require.ErrorAs(t, err, &choice)
	assert.Equal(t, []string{"A", "B"}, choice.Options)
	assert.Equal(t, "Pick the cat", choice.Text)
}

func TestDepositAddressAndHistory(t *testing.T) {
	f := &fakeRelay{answer: func(fr wire.Frame) (string, []byte) {
		req := wire.ParseRequest(fr.Body)
		switch req.Command {
		case wire.CmdAddress:
			return wire.Encode(fr.Token, "Address: bc1qdeposit"), nil
		case wire.CmdHistory:
			return wire.Encode(fr.Token, "History:\n#1 wallet: hi limit="+req.Params["limit"]), nil
		case wire.CmdLastMessage:
			return wire.Encode(fr.Token, "hi"), nil
		}
		return "", nil
	}}
	c := newTestClient(f, time.Second)

	addr, err := c.DepositAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bc1qdeposit", addr)

	h, err := c.History(context.Background(), 5)
	require.NoError(t, err)
	assert.Contains(t, h, "limit=5")

	last, err := c.LastMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", last)
}
