package bot

import (
	"context"
	"strings"

	"gopkg.in/tucnak/telebot.v2"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/relay"
)

// Debug menu button identifiers
const (
	btnDebugState   = "debug_state"
	btnDebugClear   = "debug_clear"
	btnDebugDeals   = "debug_deals"
	btnDebugBalance = "debug_balance"
	btnDebugLast    = "debug_last"
	btnDebugHistory = "debug_history"
	btnDebugTrigger = "debug_trigger"
	btnDebugRate    = "debug_rate"
)

const debugHistoryLimit = 10

// debugMenu is the admin keyboard shown by /debug
func debugMenu() *telebot.ReplyMarkup {
	btn := func(unique, text string) telebot.InlineButton {
		return telebot.InlineButton{Unique: unique, Text: text}
	}
	return &telebot.ReplyMarkup{InlineKeyboard: [][]telebot.InlineButton{
		{btn(btnDebugState, "State"), btn(btnDebugClear, "Clear state")},
		{btn(btnDebugDeals, "My deals"), btn(btnDebugRate, "Rate")},
		{btn(btnDebugBalance, "Balance"), btn(btnDebugLast, "Last message")},
		{btn(btnDebugHistory, "History"), btn(btnDebugTrigger, "Trigger")},
	}}
}

// debug shows the admin menu, or a deal with "/debug deal <id>"
func (b *Bot) debug(ctx context.Context, m *telebot.Message) error {
	args := strings.Fields(m.Payload)
	if len(args) == 2 && args[0] == "deal" {
		id, ok := parseID(args[1])
		if !ok {
			b.reply(ctx, m.Chat.ID, "Usage: /debug deal <id>")
			return nil
		}
		d, err := b.deals.Deal(ctx, m.Chat.ID, id)
		if err != nil {
			return err
		}
		b.reply(ctx, m.Chat.ID, formatDeal(d, m.Chat.ID, b.config.FiatCurrency))
		return nil
	}

	_, err := b.teleBot.Send(m.Chat, "Debug menu. Use /debug deal <id> to inspect a deal.", debugMenu())
	return err
}

func (b *Bot) registerDebugButtons(ctx context.Context) {
	actions := map[string]func(ctx context.Context, chatID int64) (string, error){
		btnDebugState: func(ctx context.Context, chatID int64) (string, error) {
			c, err := b.deals.State(ctx, chatID)
			return formatState(c), err
		},
		btnDebugClear: func(ctx context.Context, chatID int64) (string, error) {
			return "State cleared.", b.deals.ClearState(ctx, chatID)
		},
		btnDebugDeals: func(ctx context.Context, chatID int64) (string, error) {
			deals, err := b.deals.Deals(ctx, chatID)
			return formatDeals(deals, chatID, b.config.FiatCurrency), err
		},
		btnDebugBalance: func(ctx context.Context, _ int64) (string, error) {
			return b.wallet.Balance(ctx)
		},
		btnDebugLast: func(ctx context.Context, _ int64) (string, error) {
			return b.wallet.LastMessage(ctx)
		},
		btnDebugHistory: func(ctx context.Context, _ int64) (string, error) {
			return b.wallet.History(ctx, debugHistoryLimit)
		},
		btnDebugTrigger: func(ctx context.Context, _ int64) (string, error) {
			return "Trigger sent, the answer is forwarded to administrators.", b.wallet.Raw(ctx, relay.TriggerPhrase)
		},
		btnDebugRate: func(ctx context.Context, _ int64) (string, error) {
			q, err := b.wallet.Rate(ctx)
			if err != nil {
				return "", err
			}
			return "Rate: " + q.Rate.String() + " " + b.config.FiatCurrency + "\n" + q.Summary, nil
		},
	}

	for unique, action := range actions {
		action := action
		b.teleBot.Handle(&telebot.InlineButton{Unique: unique}, b.onCallback(ctx, unique,
			func(ctx context.Context, c *telebot.Callback) error {
				chatID := chatOf(c)
				if !b.config.IsAdmin(c.Sender.ID) {
					b.reply(ctx, chatID, "This command is for administrators.")
					return nil
				}
				text, err := action(ctx, chatID)
				if err != nil {
					// admins see the raw error
					text = "Error: " + err.Error()
				}
				b.reply(ctx, chatID, text)
				return nil
			}))
	}
}
