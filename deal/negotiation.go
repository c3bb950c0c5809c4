package deal

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/prompt"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletapi"
)

// Start registers the caller and asks for a wallet address if none is known
func (s *Service) Start(ctx context.Context, chatID int64, username string) error {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	return record("start", s.start(ctx, chatID, username))
}

func (s *Service) start(ctx context.Context, chatID int64, username string) error {
	if username == "" {
		return reject(ErrGuardViolation, "Set a Telegram username in your profile, then send /start again.")
	}
	if err := s.store.UpsertUser(ctx, username, chatID); err != nil {
		return errors.Wrap(err, "register user")
	}
	u, err := s.loadUser(ctx, chatID)
	if err != nil {
		return err
	}
	if u.HasWallet() {
		s.say(ctx, chatID, fmt.Sprintf("Welcome back, @%s. Your wallet: %s", username, u.WalletAddress))
		return nil
	}
	if err := s.setState(ctx, chatID, models.Negotiation{Step: models.StepWalletAddress}); err != nil {
		return err
	}
	s.say(ctx, chatID, fmt.Sprintf("Welcome, @%s. Send your wallet address (%d characters).", username, models.AddressLength))
	return nil
}

// HandleText feeds free text into the caller's conversation
func (s *Service) HandleText(ctx context.Context, chatID int64, text string) error {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, err := s.store.GetUserState(ctx, chatID)
	if err != nil {
		return errors.Wrap(err, "load conversation")
	}

	switch c := conv.(type) {
	case nil:
		return reject(ErrGuardViolation, "Nothing is waiting for an answer. Use /new_deal or /deals.")
	case models.AwaitingButtonChoice:
		sel := prompt.Select(c.Options, text)
		if !sel.Matched() {
			return reject(ErrGuardViolation, "Pick one of: %s", strings.Join(c.Options, ", "))
		}
		return record("button_choice", s.chooseButton(ctx, chatID, c, c.Options[sel.Index]))
	case models.Negotiation:
		return s.negotiate(ctx, chatID, c, text)
	default:
		return errors.Errorf("unhandled conversation %T", conv)
	}
}

func (s *Service) negotiate(ctx context.Context, chatID int64, n models.Negotiation, text string) error {
	text = strings.TrimSpace(text)
	switch n.Step {
	case models.StepWalletAddress:
		return record("wallet_address", s.setWallet(ctx, chatID, text))
	case models.StepBuyerUsername:
		return record("buyer_username", s.nameBuyer(ctx, chatID, n, text))
	case models.StepFiatAmount:
		return record("fiat_amount", s.enterFiat(ctx, chatID, n, text))
	case models.StepAmountConfirm:
		if isOneOf(text, yesWords) {
			return record("confirm_amount", s.lockAmounts(ctx, chatID, n, ""))
		}
		if amount, err := decimal.NewFromString(text); err == nil {
			return record("fiat_amount", s.proposeAmount(ctx, chatID, n, amount))
		}
		return record("confirm_amount", s.lockAmounts(ctx, chatID, n, text))
	case models.StepPaymentDetails:
		return record("payment_details", s.paymentDetails(ctx, chatID, n, text))
	case models.StepPayoutAddress:
		return record("payout_address", s.payoutAddress(ctx, chatID, n, text))
	case models.StepSellerConfirm:
		switch {
		case isOneOf(text, yesWords):
			return record("release", s.release(ctx, chatID, n))
		case isOneOf(text, noWords):
			return record("release", s.keepOpen(ctx, chatID, n))
		}
		return reject(ErrGuardViolation, "Answer да or нет.")
	}
	return errors.Errorf("unknown step %q", n.Step)
}

func (s *Service) setWallet(ctx context.Context, chatID int64, address string) error {
	if !models.ValidAddress(address) {
		return reject(ErrGuardViolation, "A wallet address must be exactly %d characters.", models.AddressLength)
	}
	if err := s.store.SetUserWallet(ctx, chatID, address); err != nil {
		return errors.Wrap(err, "store wallet")
	}
	if err := s.setState(ctx, chatID, nil); err != nil {
		return err
	}
	s.say(ctx, chatID, "Wallet address saved: "+address)
	return nil
}

// NewDeal opens a draft deal with the caller as seller
func (s *Service) NewDeal(ctx context.Context, chatID int64) (int64, error) {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	id, err := s.newDeal(ctx, chatID)
	return id, record("new_deal", err)
}

func (s *Service) newDeal(ctx context.Context, chatID int64) (int64, error) {
	u, err := s.loadUser(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !u.HasWallet() {
		return 0, reject(ErrGuardViolation, "Register a wallet address first: send /start.")
	}

	id, err := s.store.CreateDeal(ctx, chatID)
	if err != nil {
		return 0, errors.Wrap(err, "create deal")
	}
	if err := s.setState(ctx, chatID, models.Negotiation{Step: models.StepBuyerUsername, DealID: id}); err != nil {
		return 0, err
	}
	s.say(ctx, chatID, fmt.Sprintf("Deal #%d created. Send the buyer's @username, or Cancel.", id))
	return id, nil
}

func (s *Service) nameBuyer(ctx context.Context, chatID int64, n models.Negotiation, text string) error {
	unlock, err := s.lockDeal(ctx, n.DealID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.loadDeal(ctx, n.DealID)
	if err != nil {
		return err
	}

	if isOneOf(text, cancelWords) {
		if err := s.store.DeleteDeal(ctx, d.ID); err != nil {
			return errors.Wrap(err, "delete draft")
		}
		if err := s.setState(ctx, chatID, nil); err != nil {
			return err
		}
		s.say(ctx, chatID, fmt.Sprintf("Deal #%d cancelled.", d.ID))
		return nil
	}

	username := strings.Trim(text, usernameTrims)
	buyer, err := s.store.GetUser(ctx, username)
	if errors.Is(err, models.ErrNotFound) {
		return reject(ErrNotFound, "@%s is not registered with the bot. Ask them to send /start.", username)
	}
	if err != nil {
		return errors.Wrap(err, "look up buyer")
	}
	if buyer.ChatID == chatID {
		return reject(ErrGuardViolation, "You cannot be the buyer of your own deal.")
	}

	d.BuyerID = buyer.ChatID
	d.BuyerUsername = buyer.Username
	if err := s.store.UpdateDeal(ctx, d); err != nil {
		return errors.Wrap(err, "set buyer")
	}

	next := models.Negotiation{Step: models.StepFiatAmount, DealID: d.ID}
	if err := s.setState(ctx, chatID, next); err != nil {
		return err
	}
	s.say(ctx, chatID, fmt.Sprintf("Buyer @%s set for deal #%d.", buyer.Username, d.ID))
	return s.quote(ctx, chatID, next)
}

// quote fetches the live rate and asks for the fiat amount. When the wallet
// wants a human choice first, the conversation is parked until it is made.
func (s *Service) quote(ctx context.Context, chatID int64, resume models.Negotiation) error {
	q, err := s.wallet.Rate(ctx)

	var choice *walletapi.ChoiceRequired
	if errors.As(err, &choice) {
		parked := models.AwaitingButtonChoice{RequestID: choice.Token, Options: choice.Options, Resume: resume}
		if err := s.setState(ctx, chatID, parked); err != nil {
			return err
		}
		n := Notice{ChatID: chatID, Text: "The wallet asks for a choice before quoting.", Image: choice.Image}
		if choice.Text != "" {
			n.Text = choice.Text
		}
		for _, o := range choice.Options {
			n.Choices = append(n.Choices, Choice{Label: o, Action: ActionButtonChoice, Value: o})
		}
		s.notify(ctx, n)
		return nil
	}

	if err != nil && s.fallback != nil {
		s.logger.Warn("wallet rate failed, using fallback", "error", err)
		var rate decimal.Decimal
		if rate, err = s.fallback.Rate(ctx); err == nil {
			q = walletapi.Quote{Rate: rate}
		}
	}
	if err != nil {
		s.logger.Warn("rate unavailable", "deal_id", resume.DealID, "error", err)
		s.say(ctx, chatID, "Could not get the exchange rate right now. Send the fiat amount to try again.")
		return nil
	}

	resume.Step = models.StepFiatAmount
	resume.Rate = q.Rate
	if err := s.setState(ctx, chatID, resume); err != nil {
		return err
	}
	text := fmt.Sprintf("Rate: 1 BTC = %s.", s.fiat(q.Rate))
	if q.Summary != "" {
		text += "\n" + q.Summary
	}
	s.say(ctx, chatID, text+"\nEnter the fiat amount in "+s.currency+".")
	return nil
}

// ChooseButton answers a pending wallet choice, then resumes the parked flow
func (s *Service) ChooseButton(ctx context.Context, chatID int64, label string) error {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, err := s.store.GetUserState(ctx, chatID)
	if err != nil {
		return errors.Wrap(err, "load conversation")
	}
	c, ok := conv.(models.AwaitingButtonChoice)
	if !ok {
		return record("button_choice", reject(ErrGuardViolation, "That choice has expired."))
	}
	return record("button_choice", s.chooseButton(ctx, chatID, c, label))
}

func (s *Service) chooseButton(ctx context.Context, chatID int64, c models.AwaitingButtonChoice, label string) error {
	if err := s.wallet.SolveCaptcha(ctx, c.RequestID, label); err != nil {
		s.logger.Warn("choice not accepted", "request_id", c.RequestID, "error", err)
		return reject(ErrGuardViolation, "The wallet did not accept %q, pick again.", label)
	}
	s.say(ctx, chatID, "Choice accepted: "+label)
	return s.quote(ctx, chatID, c.Resume)
}

func (s *Service) enterFiat(ctx context.Context, chatID int64, n models.Negotiation, text string) error {
	amount, err := decimal.NewFromString(text)
	if err != nil || !amount.IsPositive() {
		return reject(ErrGuardViolation, "Enter the amount as a positive number, e.g. 1000.")
	}
	if !n.Rate.IsPositive() {
		n.FiatAmount = amount
		return s.quote(ctx, chatID, n)
	}
	return s.proposeAmount(ctx, chatID, n, amount)
}

func (s *Service) proposeAmount(ctx context.Context, chatID int64, n models.Negotiation, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return reject(ErrGuardViolation, "Enter the amount as a positive number, e.g. 1000.")
	}
	n.Step = models.StepAmountConfirm
	n.FiatAmount = amount
	n.CryptoAmount = CryptoFor(amount, n.Rate)
	if err := s.setState(ctx, chatID, n); err != nil {
		return err
	}
	s.notify(ctx, Notice{
		ChatID: chatID,
		Text: fmt.Sprintf("%s = %s at 1 BTC = %s.\nConfirm, send another amount, or describe the fiat side in words.",
			s.fiat(amount), btc(n.CryptoAmount), s.fiat(n.Rate)),
		Choices: []Choice{{Label: "Confirm", Action: ActionConfirmAmount}},
	})
	return nil
}

// ConfirmAmount locks the proposed amounts
func (s *Service) ConfirmAmount(ctx context.Context, chatID int64) error {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, err := s.store.GetUserState(ctx, chatID)
	if err != nil {
		return errors.Wrap(err, "load conversation")
	}
	n, ok := conv.(models.Negotiation)
	if !ok || n.Step != models.StepAmountConfirm {
		return record("confirm_amount", reject(ErrGuardViolation, "There is no amount waiting for confirmation."))
	}
	return record("confirm_amount", s.lockAmounts(ctx, chatID, n, ""))
}

// lockAmounts fixes amount, rate and fees on the deal. fiatText replaces
// the numeric fiat amount on the record when the seller described it in words.
func (s *Service) lockAmounts(ctx context.Context, chatID int64, n models.Negotiation, fiatText string) error {
	unlock, err := s.lockDeal(ctx, n.DealID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.loadDeal(ctx, n.DealID)
	if err != nil {
		return err
	}
	if d.SellerID != chatID {
		return reject(ErrUnauthorized, "Only the seller can fix the amounts of deal #%d.", d.ID)
	}

	d.CryptoAmount = n.CryptoAmount
	d.Rate = n.Rate
	d.FiatAmount = n.FiatAmount.String()
	if fiatText != "" {
		d.FiatAmount = fiatText
	}
	d.FiatTotal, d.PlatformFee = Fees(n.FiatAmount)
	d.AmountsLocked = true
	if err := s.store.UpdateDeal(ctx, d); err != nil {
		return errors.Wrap(err, "lock amounts")
	}

	if err := s.setState(ctx, chatID, models.Negotiation{Step: models.StepPaymentDetails, DealID: d.ID}); err != nil {
		return err
	}
	s.say(ctx, chatID, fmt.Sprintf("Deal #%d: %s for %s. The buyer will pay %s including the 3%% fee.\nSend the payment details for the buyer.",
		d.ID, btc(d.CryptoAmount), d.FiatAmount, s.fiat(d.FiatTotal)))
	return nil
}

func (s *Service) paymentDetails(ctx context.Context, chatID int64, n models.Negotiation, details string) error {
	if details == "" {
		return reject(ErrGuardViolation, "Payment details cannot be empty.")
	}

	unlock, err := s.lockDeal(ctx, n.DealID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.loadDeal(ctx, n.DealID)
	if err != nil {
		return err
	}
	if d.SellerID != chatID {
		return reject(ErrUnauthorized, "Only the seller can set payment details of deal #%d.", d.ID)
	}

	address, err := s.wallet.DepositAddress(ctx)
	if err != nil {
		s.logger.Warn("deposit address unavailable", "deal_id", d.ID, "error", err)
		s.say(ctx, chatID, "Could not get a deposit address from the wallet. Send the payment details again to retry.")
		return errors.Wrap(err, "deposit address")
	}

	d.PaymentDetails = details
	d.DepositAddress = address
	if err := s.store.UpdateDeal(ctx, d); err != nil {
		return errors.Wrap(err, "store payment details")
	}
	if err := s.setState(ctx, chatID, nil); err != nil {
		return err
	}

	s.say(ctx, chatID, fmt.Sprintf("Deal #%d is ready. Deposit address: %s\nAmount: %s. Wait for @%s to accept.",
		d.ID, address, btc(d.CryptoAmount), d.BuyerUsername))
	s.say(ctx, d.BuyerID, fmt.Sprintf("You were named buyer of deal #%d: %s for %s.\nDeposit address: %s\nSend /accept %d to continue.",
		d.ID, btc(d.CryptoAmount), d.FiatAmount, address, d.ID))
	return nil
}
