package models

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDealStage(t *testing.T) {
	tests := []struct {
		name string
		deal Deal
		want Stage
	}{
		{"fresh", Deal{SellerID: 1}, StageBuyerPending},
		{"buyer named", Deal{SellerID: 1, BuyerID: 2}, StageAmountPending},
		{"amounts locked", Deal{SellerID: 1, BuyerID: 2, AmountsLocked: true}, StageDetailsPending},
		{"details set", Deal{SellerID: 1, BuyerID: 2, AmountsLocked: true, PaymentDetails: "card"}, StageAwaitingBuyerAddress},
		{"payout set", Deal{SellerID: 1, BuyerID: 2, PaymentDetails: "card", BuyerPayoutAddress: "x"}, StageAwaitingDeposit},
		{"deposited", Deal{SellerID: 1, BuyerID: 2, Deposited: true}, StageAwaitingSellerConfirmation},
		{"closed wins", Deal{Deposited: true, Closed: true}, StageClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.deal.Stage())
		})
	}
}

func TestDealIsParty(t *testing.T) {
	d := Deal{SellerID: 1}
	assert.True(t, d.IsParty(1))
	assert.False(t, d.IsParty(0), "unset buyer must not match zero id")
	d.BuyerID = 2
	assert.True(t, d.IsParty(2))
	assert.False(t, d.IsParty(3))
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress("0x"+strings.Repeat("a", 40)))
	assert.False(t, ValidAddress("bc1short"))
}

func TestConversationRoundTrip(t *testing.T) {
	raw, err := EncodeConversation(nil)
	require.NoError(t, err)
	assert.Equal(t, "", raw)

	c, err := DecodeConversation("")
	require.NoError(t, err)
	assert.Nil(t, c)

	in := AwaitingButtonChoice{
		RequestID: "ab12cd34",
		Options:   []string{"1H", "1D"},
		Resume: Negotiation{
			Step:   StepFiatAmount,
			DealID: 7,
			Rate:   decimal.NewFromInt(500000),
		},
	}
	raw, err = EncodeConversation(in)
	require.NoError(t, err)

	out, err := DecodeConversation(raw)
	require.NoError(t, err)
	choice, ok := out.(AwaitingButtonChoice)
	require.True(t, ok)
	assert.Equal(t, "ab12cd34", choice.RequestID)
	assert.Equal(t, StepFiatAmount, choice.Resume.Step)
	assert.True(t, choice.Resume.Rate.Equal(decimal.NewFromInt(500000)))
}

func TestDecodeConversation_UnknownKind(t *testing.T) {
	_, err := DecodeConversation(`{"kind":"mystery","data":{}}`)
	assert.Error(t, err)
}
