package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/tucnak/telebot.v2"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/deal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/logging"
)

type messageHandler func(ctx context.Context, m *telebot.Message) error

type callbackHandler func(ctx context.Context, c *telebot.Callback) error

// register wires every command, text and callback handler
func (b *Bot) register(ctx context.Context) {
	// Deal commands
	b.teleBot.Handle("/start", b.onMessage(ctx, "start", func(ctx context.Context, m *telebot.Message) error {
		return b.deals.Start(ctx, m.Chat.ID, m.Sender.Username)
	}))
	b.teleBot.Handle("/new_deal", b.onMessage(ctx, "new_deal", func(ctx context.Context, m *telebot.Message) error {
		_, err := b.deals.NewDeal(ctx, m.Chat.ID)
		return err
	}))
	b.teleBot.Handle("/accept", b.onMessage(ctx, "accept", b.withID("/accept", b.deals.Accept)))
	b.teleBot.Handle("/deposit", b.onMessage(ctx, "deposit", b.withID("/deposit", b.deals.Deposit)))
	b.teleBot.Handle("/confirm", b.onMessage(ctx, "confirm", b.withID("/confirm", b.deals.Confirm)))
	b.teleBot.Handle("/delete", b.onMessage(ctx, "delete", b.withID("/delete", b.deals.Delete)))
	b.teleBot.Handle("/deals", b.onMessage(ctx, "deals", func(ctx context.Context, m *telebot.Message) error {
		deals, err := b.deals.Deals(ctx, m.Chat.ID)
		if err != nil {
			return err
		}
		b.reply(ctx, m.Chat.ID, formatDeals(deals, m.Chat.ID, b.config.FiatCurrency))
		return nil
	}))

	// Admin tools
	b.teleBot.Handle("/debug", b.onMessage(ctx, "debug", b.adminOnly(b.debug)))
	b.teleBot.Handle("/wallet", b.onMessage(ctx, "wallet", b.adminOnly(func(ctx context.Context, m *telebot.Message) error {
		return b.passThrough(ctx, m, "/wallet <text>")
	})))
	b.teleBot.Handle("/pick", b.onMessage(ctx, "pick", b.adminOnly(func(ctx context.Context, m *telebot.Message) error {
		return b.passThrough(ctx, m, "/pick <number or label>")
	})))
	b.registerDebugButtons(ctx)

	// Inline choices attached to deal notices
	b.teleBot.Handle(&telebot.InlineButton{Unique: string(deal.ActionConfirmAmount)}, b.onCallback(ctx, "confirm_amount",
		func(ctx context.Context, c *telebot.Callback) error {
			return b.deals.ConfirmAmount(ctx, chatOf(c))
		}))
	b.teleBot.Handle(&telebot.InlineButton{Unique: string(deal.ActionButtonChoice)}, b.onCallback(ctx, "button_choice",
		func(ctx context.Context, c *telebot.Callback) error {
			return b.deals.ChooseButton(ctx, chatOf(c), c.Data)
		}))
	b.teleBot.Handle(&telebot.InlineButton{Unique: string(deal.ActionSellerAnswer)}, b.onCallback(ctx, "seller_answer",
		func(ctx context.Context, c *telebot.Callback) error {
			return b.deals.SellerAnswer(ctx, chatOf(c), c.Data)
		}))

	// Free text and replies from the intermediary
	b.teleBot.Handle(telebot.OnText, b.onMessage(ctx, "text", b.onText))
	b.teleBot.Handle(telebot.OnPhoto, b.onMessage(ctx, "photo", b.onPhoto))
}

// onMessage adds the request context, panic recovery and error replies around h
func (b *Bot) onMessage(base context.Context, name string, h messageHandler) func(*telebot.Message) {
	return func(m *telebot.Message) {
		if m.Sender == nil || m.Chat == nil {
			return
		}
		ctx, cancel := b.requestContext(base, name, m.Chat.ID)
		defer cancel()
		defer b.recoverPanic(ctx, name)

		if err := h(ctx, m); err != nil {
			b.fail(ctx, m.Chat.ID, err)
		}
	}
}

func (b *Bot) onCallback(base context.Context, name string, h callbackHandler) func(*telebot.Callback) {
	return func(c *telebot.Callback) {
		if c.Sender == nil {
			return
		}
		ctx, cancel := b.requestContext(base, name, chatOf(c))
		defer cancel()
		defer b.recoverPanic(ctx, name)

		if err := b.teleBot.Respond(c, &telebot.CallbackResponse{}); err != nil {
			logging.L(ctx).Debug("callback answer failed", "error", err)
		}
		if err := h(ctx, c); err != nil {
			b.fail(ctx, chatOf(c), err)
		}
	}
}

func (b *Bot) requestContext(base context.Context, name string, chatID int64) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(base, b.handlerTimeout)
	return logging.WithLogger(ctx, b.logger.With("handler", name, "chat_id", chatID)), cancel
}

func (b *Bot) recoverPanic(ctx context.Context, name string) {
	if r := recover(); r != nil {
		logging.L(ctx).Error("handler panicked", "handler", name, "panic", fmt.Sprint(r))
	}
}

// fail reports err to the user; refusals are expected, anything else is logged as an error
func (b *Bot) fail(ctx context.Context, chatID int64, err error) {
	var rejection *deal.Rejection
	if errors.As(err, &rejection) {
		logging.L(ctx).Info("command refused", "reason", rejection.Msg)
	} else {
		logging.L(ctx).Error("command failed", "error", err)
	}
	b.reply(ctx, chatID, deal.UserMessage(err))
}

// withID adapts a deal command taking an id argument
func (b *Bot) withID(usage string, op func(ctx context.Context, chatID, dealID int64) error) messageHandler {
	return func(ctx context.Context, m *telebot.Message) error {
		id, ok := parseID(m.Payload)
		if !ok {
			b.reply(ctx, m.Chat.ID, fmt.Sprintf("Usage: %s <deal id>", usage))
			return nil
		}
		return op(ctx, m.Chat.ID, id)
	}
}

func (b *Bot) adminOnly(h messageHandler) messageHandler {
	return func(ctx context.Context, m *telebot.Message) error {
		if !b.config.IsAdmin(m.Sender.ID) {
			b.reply(ctx, m.Chat.ID, "This command is for administrators.")
			return nil
		}
		return h(ctx, m)
	}
}

func (b *Bot) fromIntermediary(m *telebot.Message) bool {
	return m.Sender.ID == b.config.InnerBotID
}

func (b *Bot) onText(ctx context.Context, m *telebot.Message) error {
	if b.fromIntermediary(m) {
		if !b.wallet.Deliver(m.Text, nil) {
			b.notifyAdmins("Wallet: "+m.Text, nil)
		}
		return nil
	}
	if strings.HasPrefix(m.Text, "/") {
		b.reply(ctx, m.Chat.ID, "Unknown command.")
		return nil
	}
	return b.deals.HandleText(ctx, m.Chat.ID, m.Text)
}

func (b *Bot) onPhoto(ctx context.Context, m *telebot.Message) error {
	if !b.fromIntermediary(m) || m.Photo == nil {
		return nil
	}
	image, err := b.download(&m.Photo.File)
	if err != nil {
		// the caption still carries the token, so the waiter gets an answer
		logging.L(ctx).Warn("photo download failed", "error", err)
	}
	if !b.wallet.Deliver(m.Caption, image) {
		b.notifyAdmins("Wallet: "+m.Caption, image)
	}
	return nil
}

// passThrough sends the command argument to the intermediary untagged
func (b *Bot) passThrough(ctx context.Context, m *telebot.Message, usage string) error {
	text := strings.TrimSpace(m.Payload)
	if text == "" {
		b.reply(ctx, m.Chat.ID, "Usage: "+usage)
		return nil
	}
	if err := b.wallet.Raw(ctx, text); err != nil {
		return err
	}
	b.reply(ctx, m.Chat.ID, "Sent to the wallet. Replies are forwarded to administrators.")
	return nil
}

func chatOf(c *telebot.Callback) int64 {
	if c.Message != nil && c.Message.Chat != nil {
		return c.Message.Chat.ID
	}
	return c.Sender.ID
}
