package userbot

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/relay"
)

func TestToRelay_PrivateMessageWithButtons(t *testing.T) {
	raw := &tg.Message{
		ID:      42,
		PeerID:  &tg.PeerUser{UserID: 777},
		Message: "Confirm transfer?",
		Media:   &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 1}},
		ReplyMarkup: &tg.ReplyInlineMarkup{Rows: []tg.KeyboardButtonRow{
			{Buttons: []tg.KeyboardButtonClass{
				&tg.KeyboardButtonCallback{Text: "✅Подтверждаю", Data: []byte("yes")},
				&tg.KeyboardButtonCallback{Text: "❌Отмена", Data: []byte("no")},
			}},
			{Buttons: []tg.KeyboardButtonClass{
				&tg.KeyboardButtonURL{Text: "Help", URL: "https://example.org"},
			}},
		}},
	}
	raw.SetFlags()

	got := toRelay(raw)
	assert.Equal(t, 42, got.ID)
	assert.Equal(t, int64(777), got.ChatID)
	assert.Equal(t, int64(777), got.SenderID)
	assert.True(t, got.HasMedia)
	assert.Equal(t, []string{"✅Подтверждаю", "❌Отмена", "Help"}, got.Labels())
	assert.Equal(t, relay.Button{Text: "✅Подтверждаю", Data: []byte("yes")}, got.Buttons[0][0])
	assert.Same(t, raw, got.Ref)
}

func TestToRelay_FromIDWins(t *testing.T) {
	raw := &tg.Message{
		ID:      1,
		PeerID:  &tg.PeerUser{UserID: 10},
		FromID:  &tg.PeerUser{UserID: 20},
		Message: "hi",
	}
	raw.SetFlags()

	got := toRelay(raw)
	assert.Equal(t, int64(10), got.ChatID)
	assert.Equal(t, int64(20), got.SenderID)
	assert.False(t, got.HasMedia)
	assert.Empty(t, got.Buttons)
}

func TestLargestSize(t *testing.T) {
	sizes := []tg.PhotoSizeClass{
		&tg.PhotoSize{Type: "s", Size: 100},
		&tg.PhotoSizeProgressive{Type: "y", Sizes: []int{500, 9000}},
		&tg.PhotoSize{Type: "m", Size: 800},
	}
	assert.Equal(t, "y", largestSize(sizes))
	assert.Equal(t, "", largestSize(nil))
}

func TestFileLocation(t *testing.T) {
	raw := &tg.Message{Media: &tg.MessageMediaDocument{Document: &tg.Document{ID: 5, AccessHash: 6}}}
	raw.SetFlags()

	loc, err := fileLocation(raw)
	require.NoError(t, err)
	doc, ok := loc.(*tg.InputDocumentFileLocation)
	require.True(t, ok)
	assert.Equal(t, int64(5), doc.ID)

	_, err = fileLocation(&tg.Message{})
	assert.Error(t, err)
}
