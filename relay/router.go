// Package relay runs on the intermediary user account. It turns tagged
// requests from the escrow bot into chat with the wallet agent and sends
// the answers back under the same tag.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/correlation"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/logging"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/metrics"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/prompt"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/syncutil"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletparse"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/wire"
)

const (
	// TriggerPhrase gets a canned answer instead of reaching the wallet agent
	TriggerPhrase = "Who let the dogs out?"
	// TriggerAnswer is the canned answer
	TriggerAnswer = "Who, who, who, who?"

	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

var (
	// ErrTransport wraps chat send, forward and click failures
	ErrTransport = errors.New("relay: transport failure")
	// ErrNoCaptcha is returned when a solution names an unknown or expired request
	ErrNoCaptcha = errors.New("relay: no stored captcha for request")
	// ErrNoButton is returned when a solution matches no control on the stored message
	ErrNoButton = errors.New("relay: no button matches the solution")
)

// Config holds the identities and deadlines the router works with
type Config struct {
	EscrowID      int64 // the escrow bot talking to us
	WalletID      int64 // the wallet agent we impersonate a human for
	WalletTimeout time.Duration
	PromptTimeout time.Duration
}

// Router is the single inbound dispatcher of the intermediary
type Router struct {
	cfg      Config
	tr       Transport
	parser   *walletparse.Parser
	logger   *slog.Logger
	replies  *correlation.Broker[Message]
	prompts  *prompt.Broker[Message]
	gate     *syncutil.Gate
	captchas *captchaStore
	wg       sync.WaitGroup
}

// NewRouter wires a router over a transport
func NewRouter(cfg Config, tr Transport, parser *walletparse.Parser, logger *slog.Logger) *Router {
	return &Router{
		cfg:      cfg,
		tr:       tr,
		parser:   parser,
		logger:   logger,
		replies:  correlation.NewBroker[Message]("wallet"),
		prompts:  prompt.NewBroker[Message](tr),
		gate:     syncutil.NewGate(),
		captchas: newCaptchaStore(cfg.PromptTimeout),
	}
}

// Dispatch classifies one inbound message and routes it. Work that waits
// on the wallet agent runs in its own goroutine so the update loop never blocks.
func (r *Router) Dispatch(ctx context.Context, msg Message) {
	defer r.recover("dispatch")
	ctx = logging.WithLogger(ctx, r.logger)

	switch msg.SenderID {
	case r.cfg.WalletID:
		r.fromWallet(ctx, msg)
	case r.cfg.EscrowID:
		r.fromEscrow(ctx, msg)
	}
}

// Wait blocks until every spawned flow has returned
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) recover(where string) {
	if p := recover(); p != nil {
		r.logger.Error("relay panic recovered", "where", where, "panic", p, "stack", string(debug.Stack()))
	}
}

func (r *Router) spawn(ctx context.Context, name string, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.recover(name)
		fn(ctx)
	}()
}

func (r *Router) fromWallet(ctx context.Context, msg Message) {
	if id, ok := r.replies.ResolveOldest(msg); ok {
		r.logger.Debug("wallet reply matched", "request_id", id, "message_id", msg.ID)
		return
	}
	if err := r.tr.Forward(ctx, msg, r.cfg.EscrowID); err != nil {
		r.logger.Warn("forward unsolicited wallet message", "message_id", msg.ID, "error", err)
	}
}

func (r *Router) fromEscrow(ctx context.Context, msg Message) {
	frame, tagged := wire.Decode(msg.Text)
	if !tagged && wire.HasMarker(msg.Text) {
		r.logger.Warn("dropping request with unreadable marker", "text", msg.Text)
		return
	}
	if !tagged {
		r.untagged(ctx, msg)
		return
	}
	if !wire.ValidToken(frame.Token) {
		r.logger.Warn("dropping request with malformed token", "token", frame.Token)
		return
	}

	req := wire.ParseRequest(frame.Body)
	ctx = logging.WithRequestID(ctx, frame.Token)
	ctx = logging.WithLogger(ctx, r.logger.With("command", commandLabel(req.Command)))

	switch req.Command {
	case wire.CmdSolveCaptcha:
		r.spawn(ctx, "solve_captcha", func(ctx context.Context) {
			r.solveCaptcha(ctx, frame.Token, strings.Join(req.Args, " "))
		})
	case wire.CmdHistory:
		r.spawn(ctx, "get_history", func(ctx context.Context) {
			r.history(ctx, frame.Token, req)
		})
	case wire.CmdLastMessage:
		r.spawn(ctx, "get_last_message", func(ctx context.Context) {
			r.lastMessage(ctx, frame.Token)
		})
	default:
		r.spawn(ctx, "wallet_request", func(ctx context.Context) {
			r.walletRequest(ctx, frame.Token, commandLabel(req.Command), frame.Body)
		})
	}
}

func (r *Router) untagged(ctx context.Context, msg Message) {
	if r.prompts.Resolve(msg.SenderID, msg.Text) {
		return
	}
	if strings.Contains(msg.Text, TriggerPhrase) {
		r.send(ctx, r.cfg.EscrowID, TriggerAnswer)
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	r.spawn(ctx, "free_form", func(ctx context.Context) {
		r.freeForm(ctx, msg)
	})
}

// exchange sends text to the wallet agent and waits for its next message.
// Only one exchange runs at a time, so the oldest pending slot is always ours.
// Transfers that ask for confirmation are confirmed before returning.
func (r *Router) exchange(ctx context.Context, text string) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*r.cfg.WalletTimeout)
	defer cancel()

	unlock, err := r.gate.Lock(ctx)
	if err != nil {
		return Message{}, correlation.ErrTimeout
	}
	defer unlock()

	start := time.Now()
	defer func() { metrics.WalletExchangeDuration.Observe(time.Since(start).Seconds()) }()

	reply, err := r.sendAndAwait(ctx, func(ctx context.Context) error {
		return r.tr.SendText(ctx, r.cfg.WalletID, text)
	})
	if err != nil {
		return Message{}, err
	}

	i, ok := r.parser.ConfirmButton(reply.Labels())
	if !ok {
		return reply, nil
	}
	btn, _ := reply.Button(i)
	logging.L(ctx).Info("confirming wallet prompt", "button", btn.Text)
	return r.sendAndAwait(ctx, func(ctx context.Context) error {
		return r.tr.Click(ctx, reply, btn)
	})
}

func (r *Router) sendAndAwait(ctx context.Context, send func(context.Context) error) (Message, error) {
	w := r.replies.Issue()
	if err := send(ctx); err != nil {
		r.replies.Cancel(w)
		return Message{}, errors.Wrap(ErrTransport, err.Error())
	}
	return r.replies.Await(ctx, w, r.cfg.WalletTimeout)
}

func (r *Router) walletRequest(ctx context.Context, token, command, body string) {
	log := logging.L(ctx)

	reply, err := r.exchange(ctx, body)
	if err != nil {
		log.Warn("wallet exchange failed", "error", err)
		r.count(command, err)
		r.reply(ctx, token, "error: "+describe(err))
		return
	}

	labels := reply.Labels()
	if len(labels) > 0 {
		r.captchas.put(token, reply)
	}

	if reply.HasMedia {
		image, err := r.tr.DownloadMedia(ctx, reply)
		if err != nil {
			log.Warn("download wallet media", "error", err)
			r.count(command, err)
			r.reply(ctx, token, "error: could not fetch wallet image")
			return
		}
		caption := wire.Encode(token, "")
		if len(labels) > 0 {
			caption = wire.Encode(token, wire.EncodeChoices(labels))
		}
		if err := r.tr.SendImage(ctx, r.cfg.EscrowID, image, caption); err != nil {
			log.Warn("relay wallet image", "error", err)
			r.count(command, err)
			return
		}
		r.count(command, nil)
		return
	}

	body = reply.Text
	if len(labels) > 0 {
		body = wire.EncodeChoices(labels) + "\n" + reply.Text
	}
	r.count(command, nil)
	r.reply(ctx, token, body)
}

func (r *Router) solveCaptcha(ctx context.Context, token, solution string) {
	if err := r.clickStored(ctx, token, solution); err != nil {
		logging.L(ctx).Warn("captcha not solved", "error", err)
		r.count(wire.CmdSolveCaptcha, err)
		r.reply(ctx, token, "error: failed to click button")
		return
	}
	r.count(wire.CmdSolveCaptcha, nil)
	r.reply(ctx, token, "solved")
}

func (r *Router) clickStored(ctx context.Context, token, solution string) error {
	msg, ok := r.captchas.get(token)
	if !ok {
		return ErrNoCaptcha
	}
	btn, ok := pickButton(msg, solution)
	if !ok {
		return errors.Wrapf(ErrNoButton, "solution %q", solution)
	}
	if err := r.tr.Click(ctx, msg, btn); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	r.captchas.drop(token)
	return nil
}

func (r *Router) history(ctx context.Context, token string, req wire.Request) {
	limit := defaultHistoryLimit
	raw := req.Params["limit"]
	if raw == "" && len(req.Args) > 0 {
		raw = req.Args[len(req.Args)-1]
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := r.tr.History(ctx, r.cfg.WalletID, limit)
	if err != nil {
		r.count(wire.CmdHistory, err)
		r.reply(ctx, token, "error fetching history: "+err.Error())
		return
	}

	var b strings.Builder
	b.WriteString("History:")
	for _, m := range msgs {
		who := "wallet"
		if m.SenderID != r.cfg.WalletID {
			who = "me"
		}
		text := m.Text
		if m.HasMedia && text == "" {
			text = "<media>"
		}
		fmt.Fprintf(&b, "\n#%d %s: %s", m.ID, who, text)
	}
	r.count(wire.CmdHistory, nil)
	r.reply(ctx, token, b.String())
}

func (r *Router) lastMessage(ctx context.Context, token string) {
	msgs, err := r.tr.History(ctx, r.cfg.WalletID, 1)
	if err != nil {
		r.count(wire.CmdLastMessage, err)
		r.reply(ctx, token, "error fetching last message: "+err.Error())
		return
	}
	text := "No messages found"
	if len(msgs) > 0 {
		text = msgs[0].Text
	}
	r.count(wire.CmdLastMessage, nil)
	r.reply(ctx, token, text)
}

// freeForm forwards untagged text to the wallet agent. If the answer carries
// buttons, the escrow side is asked to pick one before we click it.
func (r *Router) freeForm(ctx context.Context, msg Message) {
	reply, err := r.exchange(ctx, strings.TrimSpace(msg.Text))
	if err != nil {
		r.count("free_form", err)
		r.send(ctx, r.cfg.EscrowID, "Wallet agent did not answer: "+describe(err))
		return
	}
	r.count("free_form", nil)

	if reply.HasMedia {
		if err := r.tr.Forward(ctx, reply, r.cfg.EscrowID); err != nil {
			r.logger.Warn("forward wallet media", "error", err)
			r.send(ctx, r.cfg.EscrowID, reply.Text)
		}
	} else if reply.Text != "" {
		r.send(ctx, r.cfg.EscrowID, reply.Text)
	}

	labels := reply.Labels()
	if len(labels) == 0 {
		return
	}

	choice, err := r.prompts.Prompt(ctx, r.cfg.EscrowID, reply, labels, r.cfg.PromptTimeout)
	switch {
	case errors.Is(err, prompt.ErrTimeout):
		r.send(ctx, r.cfg.EscrowID, "Button choice timed out")
		return
	case err != nil:
		r.logger.Warn("button prompt failed", "error", err)
		return
	}

	if !choice.Matched() {
		r.send(ctx, r.cfg.WalletID, choice.Text)
		r.send(ctx, r.cfg.EscrowID, "No button matched, sent your text to the wallet")
		return
	}
	btn, _ := choice.Origin.Button(choice.Index)
	if err := r.tr.Click(ctx, choice.Origin, btn); err != nil {
		r.send(ctx, r.cfg.EscrowID, "Could not press the button: "+err.Error())
		return
	}
	r.send(ctx, r.cfg.EscrowID, "Button pressed")
}

func (r *Router) reply(ctx context.Context, token, body string) {
	r.send(ctx, r.cfg.EscrowID, wire.Encode(token, body))
}

// send is best effort; failures are logged and swallowed
func (r *Router) send(ctx context.Context, to int64, text string) {
	if err := r.tr.SendText(ctx, to, text); err != nil {
		logging.L(ctx).Warn("send failed", "to", to, "error", err)
	}
}

func (r *Router) count(command string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	metrics.RelayRequests.WithLabelValues(command, result).Inc()
}

// commandLabel keeps metric labels to the known subcommands
func commandLabel(command string) string {
	switch command {
	case wire.CmdBalance, wire.CmdRate, wire.CmdAddress, wire.CmdSendTo,
		wire.CmdHistory, wire.CmdLastMessage, wire.CmdSolveCaptcha:
		return command
	}
	return "other"
}

func describe(err error) string {
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		return "wallet agent did not reply in time"
	case errors.Is(err, ErrTransport):
		return "could not reach the wallet agent"
	default:
		return err.Error()
	}
}
