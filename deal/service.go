// Package deal is the escrow state machine. Every command checks who is
// calling and where the deal stands before it touches the record, and a
// refused command leaves both the deal and the conversation unchanged.
package deal

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/metrics"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/syncutil"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletapi"
)

// Store is the record store the state machine needs
type Store interface {
	UpsertUser(ctx context.Context, username string, chatID int64) error
	GetUser(ctx context.Context, username string) (*models.User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (*models.User, error)
	SetUserWallet(ctx context.Context, chatID int64, address string) error
	GetUserState(ctx context.Context, chatID int64) (models.Conversation, error)
	SetUserState(ctx context.Context, chatID int64, c models.Conversation) error
	CreateDeal(ctx context.Context, sellerID int64) (int64, error)
	GetDeal(ctx context.Context, id int64) (*models.Deal, error)
	GetDealsForUser(ctx context.Context, chatID int64) ([]*models.Deal, error)
	UpdateDeal(ctx context.Context, deal *models.Deal) error
	CloseDeal(ctx context.Context, id int64) error
	DeleteDeal(ctx context.Context, id int64) error
}

// Wallet is the part of the wallet agent the deals drive
type Wallet interface {
	Rate(ctx context.Context) (walletapi.Quote, error)
	DepositAddress(ctx context.Context) (string, error)
	SendTo(ctx context.Context, address string, amount decimal.Decimal) (walletapi.Transfer, error)
	SolveCaptcha(ctx context.Context, token, label string) error
}

// RateSource quotes BTC when the wallet agent cannot
type RateSource interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Notifier delivers notices to chat participants
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

var (
	feeRate       = decimal.RequireFromString("0.03")
	totalRate     = decimal.RequireFromString("1.03")
	cancelWords   = []string{"cancel", "отмена"}
	yesWords      = []string{"да", "yes", "y", "confirm", "ok"}
	noWords       = []string{"нет", "no", "n"}
	usernameTrims = "@ "
)

// Service runs deal commands
type Service struct {
	store    Store
	wallet   Wallet
	fallback RateSource
	notifier Notifier
	currency string
	logger   *slog.Logger

	chats *syncutil.KeyedMutex
	deals *syncutil.KeyedMutex
}

// NewService builds the state machine. fallback may be nil.
func NewService(store Store, wallet Wallet, fallback RateSource, notifier Notifier, currency string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		wallet:   wallet,
		fallback: fallback,
		notifier: notifier,
		currency: currency,
		logger:   logger.With("component", "deal"),
		chats:    syncutil.NewKeyedMutex(),
		deals:    syncutil.NewKeyedMutex(),
	}
}

// Fees returns the buyer-visible total and the platform fee for a quoted fiat amount
func Fees(fiat decimal.Decimal) (total, fee decimal.Decimal) {
	return fiat.Mul(totalRate), fiat.Mul(feeRate)
}

// CryptoFor converts fiat at rate, rounded to the crypto precision
func CryptoFor(fiat, rate decimal.Decimal) decimal.Decimal {
	return fiat.DivRound(rate, models.CryptoPlaces)
}

func (s *Service) notify(ctx context.Context, n Notice) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notify failed", "chat_id", n.ChatID, "error", err)
	}
}

func (s *Service) say(ctx context.Context, chatID int64, text string) {
	s.notify(ctx, Notice{ChatID: chatID, Text: text})
}

// record counts a transition outcome and passes err through
func record(command string, err error) error {
	result := "ok"
	var r *Rejection
	switch {
	case errors.As(err, &r):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	metrics.DealTransitions.WithLabelValues(command, result).Inc()
	return err
}

func (s *Service) lockChat(ctx context.Context, chatID int64) (func(), error) {
	unlock, err := s.chats.Lock(ctx, chatID)
	return unlock, errors.Wrap(err, "chat busy")
}

func (s *Service) lockDeal(ctx context.Context, id int64) (func(), error) {
	unlock, err := s.deals.Lock(ctx, id)
	return unlock, errors.Wrap(err, "deal busy")
}

func (s *Service) loadDeal(ctx context.Context, id int64) (*models.Deal, error) {
	d, err := s.store.GetDeal(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, reject(ErrNotFound, "Deal #%d not found.", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load deal %d", id)
	}
	return d, nil
}

func (s *Service) loadUser(ctx context.Context, chatID int64) (*models.User, error) {
	u, err := s.store.GetUserByChatID(ctx, chatID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, reject(ErrNotFound, "You are not registered yet, send /start.")
	}
	if err != nil {
		return nil, errors.Wrap(err, "load user")
	}
	return u, nil
}

func (s *Service) setState(ctx context.Context, chatID int64, c models.Conversation) error {
	return errors.Wrap(s.store.SetUserState(ctx, chatID, c), "set conversation")
}

// State returns the caller's conversation, nil when idle
func (s *Service) State(ctx context.Context, chatID int64) (models.Conversation, error) {
	return s.store.GetUserState(ctx, chatID)
}

// ClearState drops the caller's conversation
func (s *Service) ClearState(ctx context.Context, chatID int64) error {
	return s.setState(ctx, chatID, nil)
}

func isOneOf(text string, words []string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, w := range words {
		if t == w {
			return true
		}
	}
	return false
}

func (s *Service) fiat(d decimal.Decimal) string {
	return d.StringFixed(2) + " " + s.currency
}

func btc(d decimal.Decimal) string {
	return d.StringFixed(models.CryptoPlaces) + " BTC"
}
