// Package walletapi is the escrow bot's view of the wallet agent. Requests
// travel as tagged chat text to the intermediary account and the tagged
// replies it sends back are matched to their callers.
package walletapi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/correlation"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/logging"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletparse"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/wire"
)

// ErrTransport is returned when the request could not be handed to the intermediary
var ErrTransport = errors.New("walletapi: could not reach the intermediary")

// ReplyError is a reply the wallet side classified as a failure
type ReplyError struct {
	Token string
	Body  string
}

func (e *ReplyError) Error() string {
	return "wallet replied with an error: " + e.Body
}

// ChoiceRequired is returned when the wallet answered with buttons that a
// human must pick from. Solve it with SolveCaptcha using Token.
type ChoiceRequired struct {
	Token   string
	Text    string
	Image   []byte
	Options []string
}

func (e *ChoiceRequired) Error() string {
	return fmt.Sprintf("wallet needs a choice among %d options", len(e.Options))
}

// Reply is a decoded answer from the intermediary
type Reply struct {
	Token   string
	Text    string
	Image   []byte
	Options []string
}

// Quote is a parsed exchange rate
type Quote struct {
	Rate    decimal.Decimal
	Summary string
}

// Transfer is the wallet's answer to a send
type Transfer struct {
	TxID string
	Text string
	// Confirmations is meaningful only when ConfirmationsKnown is set
	Confirmations      int
	ConfirmationsKnown bool
}

// Sender delivers text to a chat
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Options tunes a Client
type Options struct {
	InnerID         int64 // chat id of the intermediary account
	Timeout         time.Duration
	TransferTimeout time.Duration
}

// Client issues wallet requests and waits for their replies
type Client struct {
	sender  Sender
	opts    Options
	parser  *walletparse.Parser
	logger  *slog.Logger
	pending *correlation.Broker[Reply]
}

// New creates a client sending through sender
func New(sender Sender, opts Options, parser *walletparse.Parser, logger *slog.Logger) *Client {
	return &Client{
		sender:  sender,
		opts:    opts,
		parser:  parser,
		logger:  logger.With("component", "walletapi"),
		pending: correlation.NewBroker[Reply]("escrow"),
	}
}

// Deliver hands an inbound message from the intermediary to its waiter.
// It reports whether the message was a tagged reply; untagged messages are
// left to the caller.
func (c *Client) Deliver(text string, image []byte) bool {
	frame, ok := wire.Decode(text)
	if !ok {
		return false
	}

	reply := Reply{Token: frame.Token, Text: frame.Body, Image: image}
	head, rest, _ := strings.Cut(frame.Body, "\n")
	if options, ok := wire.DecodeChoices(head); ok {
		reply.Options = options
		reply.Text = strings.TrimSpace(rest)
	}

	if !c.pending.Resolve(frame.Token, reply) {
		c.logger.Debug("dropping reply without waiter", "request_id", frame.Token)
	}
	return true
}

// Pending is the number of requests waiting for a reply
func (c *Client) Pending() int {
	return c.pending.Pending()
}

// Request sends a tagged command and waits for its reply
func (c *Client) Request(ctx context.Context, command string, params map[string]string, timeout time.Duration) (Reply, error) {
	w := c.pending.Issue()
	return c.roundTrip(ctx, w, wire.EncodeRequest(w.ID(), command, params), timeout)
}

func (c *Client) roundTrip(ctx context.Context, w *correlation.Waiter[Reply], text string, timeout time.Duration) (Reply, error) {
	log := logging.L(logging.WithRequestID(ctx, w.ID()))

	if err := c.sender.SendText(ctx, c.opts.InnerID, text); err != nil {
		c.pending.Cancel(w)
		log.Warn("wallet request not sent", "error", err)
		return Reply{}, errors.Wrap(ErrTransport, err.Error())
	}
	log.Debug("wallet request sent", "text", text)

	reply, err := c.pending.Await(ctx, w, timeout)
	if err != nil {
		log.Warn("wallet request failed", "error", err)
		return Reply{}, err
	}
	if wire.IsError(reply.Text) {
		return reply, &ReplyError{Token: reply.Token, Body: reply.Text}
	}
	if len(reply.Options) > 0 {
		return reply, &ChoiceRequired{Token: reply.Token, Text: reply.Text, Image: reply.Image, Options: reply.Options}
	}
	return reply, nil
}

// Balance asks for the wallet balance text
func (c *Client) Balance(ctx context.Context) (string, error) {
	r, err := c.Request(ctx, wire.CmdBalance, nil, c.opts.Timeout)
	return r.Text, err
}

// Rate fetches and parses the current BTC price
func (c *Client) Rate(ctx context.Context) (Quote, error) {
	r, err := c.Request(ctx, wire.CmdRate, nil, c.opts.Timeout)
	if err != nil {
		return Quote{}, err
	}
	rate, err := c.parser.Rate(r.Text)
	if err != nil {
		return Quote{}, errors.Wrap(err, "parse rate reply")
	}
	return Quote{Rate: rate, Summary: c.parser.RateSummary(r.Text)}, nil
}

// DepositAddress asks the wallet for an address to receive the seller's deposit
func (c *Client) DepositAddress(ctx context.Context) (string, error) {
	r, err := c.Request(ctx, wire.CmdAddress, nil, c.opts.Timeout)
	if err != nil {
		return "", err
	}
	return c.parser.Address(r.Text), nil
}

// SendTo moves amount BTC to address
func (c *Client) SendTo(ctx context.Context, address string, amount decimal.Decimal) (Transfer, error) {
	r, err := c.Request(ctx, wire.CmdSendTo, map[string]string{
		"address": address,
		"amount":  amount.StringFixed(models.CryptoPlaces),
	}, c.opts.TransferTimeout)
	if err != nil {
		return Transfer{}, err
	}
	t := Transfer{Text: r.Text}
	t.TxID, _ = c.parser.TxID(r.Text)
	t.Confirmations, t.ConfirmationsKnown = c.parser.Confirmations(r.Text)
	return t, nil
}

// LastMessage returns the latest message in the wallet chat
func (c *Client) LastMessage(ctx context.Context) (string, error) {
	r, err := c.Request(ctx, wire.CmdLastMessage, nil, c.opts.Timeout)
	return r.Text, err
}

// History returns the last limit messages of the wallet chat as text
func (c *Client) History(ctx context.Context, limit int) (string, error) {
	r, err := c.Request(ctx, wire.CmdHistory, map[string]string{"limit": strconv.Itoa(limit)}, c.opts.Timeout)
	return r.Text, err
}

// SolveCaptcha presses label on the message stored under token. The reply
// reuses the token of the request that produced the buttons.
func (c *Client) SolveCaptcha(ctx context.Context, token, label string) error {
	w, err := c.pending.Register(token)
	if err != nil {
		return err
	}
	r, err := c.roundTrip(ctx, w, wire.Encode(token, wire.CmdSolveCaptcha+" "+label), c.opts.Timeout)
	if err != nil {
		return err
	}
	if !c.parser.Succeeded(r.Text) {
		return &ReplyError{Token: r.Token, Body: r.Text}
	}
	return nil
}

// Raw sends untagged text to the intermediary without waiting
func (c *Client) Raw(ctx context.Context, text string) error {
	if err := c.sender.SendText(ctx, c.opts.InnerID, text); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}
