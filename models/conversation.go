package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Conversation is where a user currently stands in a dialog with the escrow bot.
// A nil Conversation means the user is idle.
type Conversation interface {
	Kind() string
}

// Step names a position inside a negotiation flow
type Step string

const (
	StepWalletAddress  Step = "wallet_address"
	StepBuyerUsername  Step = "buyer_username"
	StepFiatAmount     Step = "fiat_amount"
	StepAmountConfirm  Step = "amount_confirm"
	StepPaymentDetails Step = "payment_details"
	StepPayoutAddress  Step = "payout_address"
	StepSellerConfirm  Step = "seller_confirm"
)

const (
	kindNegotiation  = "negotiation"
	kindButtonChoice = "button_choice"
)

// Negotiation carries the draft values of a flow in progress
type Negotiation struct {
	Step         Step            `json:"step"`
	DealID       int64           `json:"deal_id,omitempty"`
	Rate         decimal.Decimal `json:"rate"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
}

// Kind implements Conversation
func (Negotiation) Kind() string { return kindNegotiation }

// AwaitingButtonChoice parks a flow until the user picks one of the options
// the wallet agent offered for request RequestID.
type AwaitingButtonChoice struct {
	RequestID string      `json:"request_id"`
	Options   []string    `json:"options"`
	Resume    Negotiation `json:"resume"`
}

// Kind implements Conversation
func (AwaitingButtonChoice) Kind() string { return kindButtonChoice }

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeConversation serializes a conversation for the record store
func EncodeConversation(c Conversation) (string, error) {
	if c == nil {
		return "", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(envelope{Kind: c.Kind(), Data: data})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeConversation restores a conversation; the empty string decodes to nil
func DecodeConversation(s string) (Conversation, error) {
	if s == "" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case kindNegotiation:
		var n Negotiation
		if err := json.Unmarshal(env.Data, &n); err != nil {
			return nil, err
		}
		return n, nil
	case kindButtonChoice:
		var b AwaitingButtonChoice
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown conversation kind %q", env.Kind)
	}
}
