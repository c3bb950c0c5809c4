package bot

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/tucnak/telebot.v2"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/deal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

const keyboardWidth = 2

// inlineMarkup turns notice choices into inline buttons, one per row.
// The action is the button's unique id so each action has one handler.
func inlineMarkup(choices []deal.Choice) *telebot.ReplyMarkup {
	if len(choices) == 0 {
		return nil
	}
	menu := &telebot.ReplyMarkup{}
	for _, c := range choices {
		menu.InlineKeyboard = append(menu.InlineKeyboard, []telebot.InlineButton{{
			Unique: string(c.Action),
			Text:   c.Label,
			Data:   c.Value,
		}})
	}
	return menu
}

// replyKeyboard lays out commands as a resizable reply keyboard; no
// commands removes the keyboard
func replyKeyboard(commands []string) *telebot.ReplyMarkup {
	if len(commands) == 0 {
		return &telebot.ReplyMarkup{ReplyKeyboardRemove: true}
	}
	menu := &telebot.ReplyMarkup{ResizeReplyKeyboard: true}
	var row []telebot.ReplyButton
	for _, c := range commands {
		row = append(row, telebot.ReplyButton{Text: c})
		if len(row) == keyboardWidth {
			menu.ReplyKeyboard = append(menu.ReplyKeyboard, row)
			row = nil
		}
	}
	if len(row) > 0 {
		menu.ReplyKeyboard = append(menu.ReplyKeyboard, row)
	}
	return menu
}

// parseID reads the deal id argument of a command
func parseID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(payload), "#"), 10, 64)
	return id, err == nil && id > 0
}

// formatDeal renders one deal as seen by chatID
func formatDeal(d *models.Deal, chatID int64, currency string) string {
	role := "buyer"
	if d.SellerID == chatID {
		role = "seller"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Deal #%d (%s, you are the %s)", d.ID, d.Stage(), role)
	if d.BuyerUsername != "" {
		fmt.Fprintf(&b, "\nBuyer: @%s", d.BuyerUsername)
	}
	if d.AmountsLocked {
		fmt.Fprintf(&b, "\nAmount: %s BTC for %s", d.CryptoAmount.StringFixed(models.CryptoPlaces), d.FiatAmount)
		fmt.Fprintf(&b, "\nBuyer pays: %s %s (fee %s)", d.FiatTotal.StringFixed(2), currency, d.PlatformFee.StringFixed(2))
	}
	if d.DepositAddress != "" {
		fmt.Fprintf(&b, "\nDeposit address: %s", d.DepositAddress)
	}
	if d.BuyerPayoutAddress != "" {
		fmt.Fprintf(&b, "\nPayout address: %s", d.BuyerPayoutAddress)
	}
	return b.String()
}

// formatDeals renders a deal list, newest last
func formatDeals(deals []*models.Deal, chatID int64, currency string) string {
	if len(deals) == 0 {
		return "No deals yet. Use /new_deal to create one."
	}
	parts := make([]string, 0, len(deals))
	for _, d := range deals {
		parts = append(parts, formatDeal(d, chatID, currency))
	}
	return strings.Join(parts, "\n\n")
}

// formatState renders a conversation for the debug menu
func formatState(c models.Conversation) string {
	if c == nil {
		return "State: idle"
	}
	raw, err := models.EncodeConversation(c)
	if err != nil {
		return fmt.Sprintf("State: %T (unencodable: %v)", c, err)
	}
	return "State: " + raw
}
