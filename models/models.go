package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AddressLength is the only format check applied to wallet and payout addresses
const AddressLength = 42

// CryptoPlaces is the fixed precision of crypto amounts
const CryptoPlaces = 8

// Stage is the derived position of a deal in its lifecycle
type Stage string

const (
	// StageBuyerPending indicates a fresh deal whose buyer is not named yet
	StageBuyerPending Stage = "buyer_pending"
	// StageAmountPending indicates the buyer is set but the amounts are not fixed
	StageAmountPending Stage = "amount_pending"
	// StageDetailsPending indicates fixed amounts waiting for payment details
	StageDetailsPending Stage = "details_pending"
	// StageAwaitingBuyerAddress indicates the buyer must accept and give a payout address
	StageAwaitingBuyerAddress Stage = "awaiting_buyer_address"
	// StageAwaitingDeposit indicates the seller must deposit the crypto
	StageAwaitingDeposit Stage = "awaiting_deposit"
	// StageAwaitingSellerConfirmation indicates a deposit waiting for the seller to confirm fiat receipt
	StageAwaitingSellerConfirmation Stage = "awaiting_seller_confirmation"
	// StageClosed indicates the crypto was released; terminal
	StageClosed Stage = "closed"
)

// Deal represents one escrow transaction
type Deal struct {
	ID                 int64
	SellerID           int64
	BuyerID            int64 // 0 until the buyer is named
	BuyerUsername      string
	CryptoAmount       decimal.Decimal
	FiatAmount         string
	Rate               decimal.Decimal // quote used for the crypto amount
	FiatTotal          decimal.Decimal // buyer-visible total, fixed when amounts are locked
	PlatformFee        decimal.Decimal
	AmountsLocked      bool
	PaymentDetails     string
	DepositAddress     string
	BuyerPayoutAddress string
	Deposited          bool
	FiatConfirmed      bool
	Closed             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Stage derives the lifecycle position from the deal fields
func (d *Deal) Stage() Stage {
	switch {
	case d.Closed:
		return StageClosed
	case d.Deposited:
		return StageAwaitingSellerConfirmation
	case d.BuyerPayoutAddress != "":
		return StageAwaitingDeposit
	case d.PaymentDetails != "":
		return StageAwaitingBuyerAddress
	case d.AmountsLocked:
		return StageDetailsPending
	case d.BuyerID != 0:
		return StageAmountPending
	default:
		return StageBuyerPending
	}
}

// IsParty reports whether the chat id is the seller or the buyer of record
func (d *Deal) IsParty(chatID int64) bool {
	return chatID == d.SellerID || (d.BuyerID != 0 && chatID == d.BuyerID)
}

// User represents a registered chat participant
type User struct {
	Username      string
	ChatID        int64
	WalletAddress string // empty until registered
	CreatedAt     time.Time
}

// HasWallet reports whether the user registered a wallet address
func (u *User) HasWallet() bool {
	return u != nil && u.WalletAddress != ""
}

// ValidAddress applies the fixed-length address check
func ValidAddress(address string) bool {
	return len(address) == AddressLength
}

// ErrNotFound is returned by record stores for unknown users and deals
var ErrNotFound = errors.New("record not found")
