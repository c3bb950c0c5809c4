package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// store is the record store contract both implementations share
type store interface {
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

func stores(t *testing.T) map[string]store {
	t.Helper()
	database, err := NewDatabase(filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	return map[string]store{
		"sqlite": database,
		"memory": NewMemoryStore(),
	}
}

func TestStore_Users(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetUser(ctx, "seller")
			assert.ErrorIs(t, err, models.ErrNotFound)

			require.NoError(t, s.UpsertUser(ctx, "seller", 100))
			require.NoError(t, s.UpsertUser(ctx, "seller", 101))

			u, err := s.GetUser(ctx, "seller")
			require.NoError(t, err)
			assert.Equal(t, int64(101), u.ChatID)
			assert.False(t, u.HasWallet())

			addr := "0x0000000000000000000000000000000000000001"
			require.NoError(t, s.SetUserWallet(ctx, 101, addr))
			u, err = s.GetUserByChatID(ctx, 101)
			require.NoError(t, err)
			assert.Equal(t, addr, u.WalletAddress)

			assert.ErrorIs(t, s.SetUserWallet(ctx, 999, addr), models.ErrNotFound)
		})
	}
}

func TestStore_UserRenameKeepsOneRow(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addr := "0x0000000000000000000000000000000000000002"

			require.NoError(t, s.UpsertUser(ctx, "old_name", 100))
			require.NoError(t, s.SetUserWallet(ctx, 100, addr))
			require.NoError(t, s.UpsertUser(ctx, "new_name", 100))

			u, err := s.GetUserByChatID(ctx, 100)
			require.NoError(t, err)
			assert.Equal(t, "new_name", u.Username)
			assert.Equal(t, addr, u.WalletAddress)

			_, err = s.GetUser(ctx, "old_name")
			assert.ErrorIs(t, err, models.ErrNotFound)

			// a username taken over from another chat drops this chat's old row
			require.NoError(t, s.UpsertUser(ctx, "other", 200))
			require.NoError(t, s.UpsertUser(ctx, "other", 100))
			u, err = s.GetUserByChatID(ctx, 100)
			require.NoError(t, err)
			assert.Equal(t, "other", u.Username)
			_, err = s.GetUser(ctx, "new_name")
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestStore_UserState(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertUser(ctx, "seller", 100))

			c, err := s.GetUserState(ctx, 100)
			require.NoError(t, err)
			assert.Nil(t, c)

			want := models.Negotiation{Step: models.StepFiatAmount, DealID: 3, Rate: decimal.NewFromInt(500000)}
			require.NoError(t, s.SetUserState(ctx, 100, want))

			c, err = s.GetUserState(ctx, 100)
			require.NoError(t, err)
			got, ok := c.(models.Negotiation)
			require.True(t, ok)
			assert.Equal(t, models.StepFiatAmount, got.Step)
			assert.True(t, got.Rate.Equal(want.Rate))

			require.NoError(t, s.SetUserState(ctx, 100, nil))
			c, err = s.GetUserState(ctx, 100)
			require.NoError(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestStore_DealLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := s.CreateDeal(ctx, 100)
			require.NoError(t, err)

			deal, err := s.GetDeal(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StageBuyerPending, deal.Stage())

			deal.BuyerID = 200
			deal.BuyerUsername = "buyer"
			deal.CryptoAmount = decimal.RequireFromString("0.002")
			deal.FiatAmount = "1000"
			deal.FiatTotal = decimal.RequireFromString("1030")
			deal.PlatformFee = decimal.RequireFromString("30")
			deal.AmountsLocked = true
			require.NoError(t, s.UpdateDeal(ctx, deal))

			got, err := s.GetDeal(ctx, id)
			require.NoError(t, err)
			assert.True(t, got.CryptoAmount.Equal(decimal.RequireFromString("0.002")))
			assert.True(t, got.FiatTotal.Equal(decimal.RequireFromString("1030")))
			assert.Equal(t, models.StageDetailsPending, got.Stage())

			deals, err := s.GetDealsForUser(ctx, 200)
			require.NoError(t, err)
			require.Len(t, deals, 1)
			assert.Equal(t, id, deals[0].ID)

			// closing requires a deposit
			assert.ErrorIs(t, s.CloseDeal(ctx, id), models.ErrNotFound)

			got.Deposited = true
			require.NoError(t, s.UpdateDeal(ctx, got))

			// deleting a deposited deal is refused
			assert.ErrorIs(t, s.DeleteDeal(ctx, id), models.ErrNotFound)

			require.NoError(t, s.CloseDeal(ctx, id))
			closed, err := s.GetDeal(ctx, id)
			require.NoError(t, err)
			assert.True(t, closed.Closed)

			// closed deals are frozen
			closed.PaymentDetails = "changed"
			assert.ErrorIs(t, s.UpdateDeal(ctx, closed), models.ErrNotFound)
		})
	}
}

func TestStore_DeleteOpenDeal(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := s.CreateDeal(ctx, 100)
			require.NoError(t, err)
			require.NoError(t, s.DeleteDeal(ctx, id))

			_, err = s.GetDeal(ctx, id)
			assert.ErrorIs(t, err, models.ErrNotFound)
			assert.ErrorIs(t, s.DeleteDeal(ctx, id), models.ErrNotFound)
		})
	}
}
