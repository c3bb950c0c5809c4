package deal

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Accept lets the named buyer take a prepared deal
func (s *Service) Accept(ctx context.Context, chatID, dealID int64) error {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	return record("accept", s.accept(ctx, chatID, dealID))
}

func (s *Service) accept(ctx context.Context, chatID, dealID int64) error {
	d, err := s.loadDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if d.BuyerID != chatID {
		return reject(ErrUnauthorized, "You are not the buyer of deal #%d.", d.ID)
	}
	u, err := s.loadUser(ctx, chatID)
	if err != nil {
		return err
	}
	if !u.HasWallet() {
		return reject(ErrGuardViolation, "Register a wallet address first: send /start.")
	}
	if d.Stage() != models.StageAwaitingBuyerAddress {
		return reject(ErrGuardViolation, "Deal #%d cannot be accepted now (%s).", d.ID, d.Stage())
	}

	if err := s.setState(ctx, chatID, models.Negotiation{Step: models.StepPayoutAddress, DealID: d.ID}); err != nil {
		return err
	}
	s.say(ctx, chatID, fmt.Sprintf("Send the address that should receive %s (%d characters).", btc(d.CryptoAmount), models.AddressLength))
	return nil
}

func (s *Service) payoutAddress(ctx context.Context, chatID int64, n models.Negotiation, address string) error {
	if !models.ValidAddress(address) {
		return reject(ErrGuardViolation, "A payout address must be exactly %d characters.", models.AddressLength)
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
	if d.BuyerID != chatID {
		return reject(ErrUnauthorized, "You are not the buyer of deal #%d.", d.ID)
	}
	if d.Stage() != models.StageAwaitingBuyerAddress {
		return reject(ErrGuardViolation, "Deal #%d no longer takes a payout address.", d.ID)
	}

	d.BuyerPayoutAddress = address
	if err := s.store.UpdateDeal(ctx, d); err != nil {
		return errors.Wrap(err, "store payout address")
	}
	if err := s.setState(ctx, chatID, nil); err != nil {
		return err
	}

	s.say(ctx, chatID, fmt.Sprintf("Payout address saved for deal #%d. Waiting for the seller's deposit.", d.ID))
	s.say(ctx, d.SellerID, fmt.Sprintf("@%s accepted deal #%d. Deposit %s to %s, then send /deposit %d.",
		d.BuyerUsername, d.ID, btc(d.CryptoAmount), d.DepositAddress, d.ID))
	return nil
}

// Deposit records that the seller funded the escrow
func (s *Service) Deposit(ctx context.Context, chatID, dealID int64) error {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	unlockDeal, err := s.lockDeal(ctx, dealID)
	if err != nil {
		return err
	}
	defer unlockDeal()
	return record("deposit", s.deposit(ctx, chatID, dealID))
}

func (s *Service) deposit(ctx context.Context, chatID, dealID int64) error {
	d, err := s.loadDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if d.SellerID != chatID {
		return reject(ErrUnauthorized, "You are not the seller of deal #%d.", d.ID)
	}
	switch d.Stage() {
	case models.StageAwaitingDeposit:
	case models.StageClosed:
		return reject(ErrGuardViolation, "Deal #%d is already closed.", d.ID)
	case models.StageAwaitingSellerConfirmation:
		return reject(ErrGuardViolation, "Deal #%d is already deposited.", d.ID)
	default:
		return reject(ErrGuardViolation, "Deal #%d is not ready for a deposit (%s).", d.ID, d.Stage())
	}

	d.Deposited = true
	if err := s.store.UpdateDeal(ctx, d); err != nil {
		return errors.Wrap(err, "mark deposited")
	}

	s.say(ctx, chatID, fmt.Sprintf("Deposit recorded for deal #%d. Once the fiat arrives, send /confirm %d.", d.ID, d.ID))
	s.say(ctx, d.BuyerID, fmt.Sprintf("The seller deposited %s for deal #%d.\nPay %s to:\n%s\n\nAmount %s + platform fee %s = %s.",
		btc(d.CryptoAmount), d.ID, s.fiat(d.FiatTotal), d.PaymentDetails,
		d.FiatAmount, s.fiat(d.PlatformFee), s.fiat(d.FiatTotal)))
	return nil
}

// Confirm asks the seller whether the fiat arrived
func (s *Service) Confirm(ctx context.Context, chatID, dealID int64) error {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	return record("confirm", s.confirm(ctx, chatID, dealID))
}

func (s *Service) confirm(ctx context.Context, chatID, dealID int64) error {
	d, err := s.loadDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if err := releasable(d, chatID); err != nil {
		return err
	}
	if err := s.idleFor(ctx, chatID); err != nil {
		return err
	}

	if err := s.setState(ctx, chatID, models.Negotiation{Step: models.StepSellerConfirm, DealID: d.ID}); err != nil {
		return err
	}
	s.notify(ctx, Notice{
		ChatID: chatID,
		Text:   fmt.Sprintf("Did you receive %s for deal #%d? (да/нет)", s.fiat(d.FiatTotal), d.ID),
		Choices: []Choice{
			{Label: "да", Action: ActionSellerAnswer, Value: "да"},
			{Label: "нет", Action: ActionSellerAnswer, Value: "нет"},
		},
	})
	return nil
}

// idleFor refuses to replace a flow that still waits for user input. A
// pending release question may be replaced since it carries no draft.
func (s *Service) idleFor(ctx context.Context, chatID int64) error {
	conv, err := s.store.GetUserState(ctx, chatID)
	if err != nil {
		return errors.Wrap(err, "load conversation")
	}
	switch c := conv.(type) {
	case nil:
		return nil
	case models.Negotiation:
		if c.Step == models.StepSellerConfirm {
			return nil
		}
		if c.DealID != 0 {
			return reject(ErrGuardViolation, "Finish deal #%d first (%s), or /delete %d.", c.DealID, c.Step, c.DealID)
		}
		return reject(ErrGuardViolation, "Finish the current step first (%s).", c.Step)
	case models.AwaitingButtonChoice:
		return reject(ErrGuardViolation, "Pick one of the offered options first.")
	}
	return nil
}

// releasable holds the guards shared by confirm and release
func releasable(d *models.Deal, chatID int64) error {
	if d.SellerID != chatID {
		return reject(ErrUnauthorized, "You are not the seller of deal #%d.", d.ID)
	}
	if d.Closed {
		return reject(ErrGuardViolation, "Deal #%d is already closed.", d.ID)
	}
	if !d.Deposited {
		return reject(ErrGuardViolation, "Deal #%d has no deposit yet.", d.ID)
	}
	return nil
}

// SellerAnswer answers the release question from an inline button
func (s *Service) SellerAnswer(ctx context.Context, chatID int64, answer string) error {
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
	if !ok || n.Step != models.StepSellerConfirm {
		return record("release", reject(ErrGuardViolation, "Nothing is waiting for your confirmation."))
	}
	switch {
	case isOneOf(answer, yesWords):
		return record("release", s.release(ctx, chatID, n))
	case isOneOf(answer, noWords):
		return record("release", s.keepOpen(ctx, chatID, n))
	}
	return record("release", reject(ErrGuardViolation, "Answer да or нет."))
}

// release sends the deposit to the buyer and closes the deal. A failed
// transfer leaves the deal open and is not retried.
func (s *Service) release(ctx context.Context, chatID int64, n models.Negotiation) error {
	unlock, err := s.lockDeal(ctx, n.DealID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.loadDeal(ctx, n.DealID)
	if err != nil {
		return err
	}
	if err := releasable(d, chatID); err != nil {
		return err
	}
	if err := s.setState(ctx, chatID, nil); err != nil {
		return err
	}

	transfer, err := s.wallet.SendTo(ctx, d.BuyerPayoutAddress, d.CryptoAmount)
	if err != nil {
		s.logger.Error("transfer failed", "deal_id", d.ID, "error", err)
		s.say(ctx, chatID, fmt.Sprintf("The transfer for deal #%d failed. The deal stays open for manual reconciliation.", d.ID))
		return errors.Wrapf(err, "transfer deal %d", d.ID)
	}

	d.FiatConfirmed = true
	if err := s.store.UpdateDeal(ctx, d); err != nil {
		return errors.Wrap(err, "mark fiat confirmed")
	}
	if err := s.store.CloseDeal(ctx, d.ID); err != nil {
		return errors.Wrap(err, "close deal")
	}

	sent := fmt.Sprintf("%s is in transit to %s.", btc(d.CryptoAmount), d.BuyerPayoutAddress)
	if transfer.TxID != "" {
		sent += " txid: " + transfer.TxID
	}
	if transfer.ConfirmationsKnown {
		sent += fmt.Sprintf(" Confirmations: %d.", transfer.Confirmations)
	}
	s.say(ctx, d.BuyerID, fmt.Sprintf("Deal #%d: %s", d.ID, sent))
	s.say(ctx, chatID, fmt.Sprintf("Deal #%d closed. %s", d.ID, sent))
	return nil
}

func (s *Service) keepOpen(ctx context.Context, chatID int64, n models.Negotiation) error {
	if err := s.setState(ctx, chatID, nil); err != nil {
		return err
	}
	d, err := s.loadDeal(ctx, n.DealID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Deal #%d stays open. Please settle the payment between you; the seller can /confirm again later.", d.ID)
	s.say(ctx, chatID, text)
	if d.BuyerID != 0 {
		s.say(ctx, d.BuyerID, text)
	}
	return nil
}

// Delete removes a deal that was never funded
func (s *Service) Delete(ctx context.Context, chatID, dealID int64) error {
	unlock, err := s.lockChat(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	unlockDeal, err := s.lockDeal(ctx, dealID)
	if err != nil {
		return err
	}
	defer unlockDeal()
	return record("delete", s.delete(ctx, chatID, dealID))
}

func (s *Service) delete(ctx context.Context, chatID, dealID int64) error {
	d, err := s.loadDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if d.SellerID != chatID {
		return reject(ErrUnauthorized, "You are not the seller of deal #%d.", d.ID)
	}
	if d.Deposited || d.Closed {
		return reject(ErrGuardViolation, "Deal #%d is funded and cannot be deleted.", d.ID)
	}

	if err := s.store.DeleteDeal(ctx, d.ID); err != nil {
		return errors.Wrap(err, "delete deal")
	}
	s.clearIfOn(ctx, chatID, d.ID)
	s.say(ctx, chatID, fmt.Sprintf("Deal #%d deleted.", d.ID))
	if d.BuyerID != 0 {
		s.clearIfOn(ctx, d.BuyerID, d.ID)
		s.say(ctx, d.BuyerID, fmt.Sprintf("Deal #%d was deleted by the seller.", d.ID))
	}
	return nil
}

// clearIfOn drops a conversation that still points at a removed deal
func (s *Service) clearIfOn(ctx context.Context, chatID, dealID int64) {
	conv, err := s.store.GetUserState(ctx, chatID)
	if err != nil {
		return
	}
	var on int64
	switch c := conv.(type) {
	case models.Negotiation:
		on = c.DealID
	case models.AwaitingButtonChoice:
		on = c.Resume.DealID
	}
	if on == dealID {
		if err := s.setState(ctx, chatID, nil); err != nil {
			s.logger.Warn("clear conversation", "chat_id", chatID, "error", err)
		}
	}
}

// Deals lists the deals the caller is a party of
func (s *Service) Deals(ctx context.Context, chatID int64) ([]*models.Deal, error) {
	deals, err := s.store.GetDealsForUser(ctx, chatID)
	return deals, errors.Wrap(err, "list deals")
}

// Deal returns one deal the caller is a party of
func (s *Service) Deal(ctx context.Context, chatID, dealID int64) (*models.Deal, error) {
	d, err := s.loadDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(chatID) {
		return nil, reject(ErrUnauthorized, "You are not a party of deal #%d.", d.ID)
	}
	return d, nil
}

// Affordances lists the commands worth offering the caller right now
func (s *Service) Affordances(ctx context.Context, chatID int64) ([]string, error) {
	conv, err := s.store.GetUserState(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}
	if n, ok := conv.(models.Negotiation); ok {
		switch n.Step {
		case models.StepBuyerUsername:
			return []string{"Cancel"}, nil
		case models.StepWalletAddress:
			return nil, nil
		}
	}

	deals, err := s.store.GetDealsForUser(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list deals")
	}
	out := []string{"/new_deal"}
	for _, d := range deals {
		if d.Closed {
			continue
		}
		if d.BuyerID == chatID && d.Stage() == models.StageAwaitingBuyerAddress {
			out = append(out, fmt.Sprintf("/accept %d", d.ID))
		}
		if d.SellerID != chatID {
			continue
		}
		if d.Deposited {
			out = append(out, fmt.Sprintf("/confirm %d", d.ID))
		} else {
			out = append(out, fmt.Sprintf("/deposit %d", d.ID), fmt.Sprintf("/delete %d", d.ID))
		}
	}
	return out, nil
}
