// Package userbot connects the relay to Telegram as a regular user account,
// which is what lets it press inline buttons under another bot's messages.
package userbot

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/pkg/errors"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/config"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/relay"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/walletparse"
)

// Client is the MTProto side of the relay and implements relay.Transport
type Client struct {
	cfg    *config.Config
	parser *walletparse.Parser
	logger *slog.Logger

	client *telegram.Client
	api    *tg.Client
	sender *message.Sender

	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass

	router atomic.Pointer[relay.Router]
	runCtx context.Context
}

// New prepares a user-account client; nothing connects until Run.
func New(cfg *config.Config, parser *walletparse.Parser, logger *slog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		parser: parser,
		logger: logger.With("component", "userbot"),
		peers:  make(map[int64]tg.InputPeerClass),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(c.onNewMessage)

	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionPath},
		UpdateHandler:  dispatcher,
	})
	c.api = c.client.API()
	c.sender = message.NewSender(c.api)
	return c
}

// Run logs in if needed, resolves the escrow and wallet bots and relays
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(
			auth.CodeOnly(c.cfg.Phone, auth.CodeAuthenticatorFunc(askCode)),
			auth.SendCodeOptions{},
		)
		if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
			return errors.Wrap(err, "userbot auth")
		}

		escrowID, err := c.resolve(ctx, c.cfg.OuterBot)
		if err != nil {
			return err
		}
		walletID, err := c.resolve(ctx, c.cfg.WalletBot)
		if err != nil {
			return err
		}

		c.runCtx = ctx
		router := relay.NewRouter(relay.Config{
			EscrowID:      escrowID,
			WalletID:      walletID,
			WalletTimeout: c.cfg.WalletTimeout,
			PromptTimeout: c.cfg.PromptTimeout,
		}, c, c.parser, c.logger)
		c.router.Store(router)

		c.logger.Info("relay online", "escrow_bot", c.cfg.OuterBot, "escrow_id", escrowID,
			"wallet_bot", c.cfg.WalletBot, "wallet_id", walletID, "patterns_version", c.parser.Version())

		<-ctx.Done()
		router.Wait()
		return nil
	})
}

// askCode reads the login code from the terminal
func askCode(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Print("Enter the Telegram login code: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read login code")
	}
	return strings.TrimSpace(code), nil
}

func (c *Client) resolve(ctx context.Context, username string) (int64, error) {
	peer, err := c.sender.Resolve(username).AsInputPeer(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve @%s", username)
	}
	user, ok := peer.(*tg.InputPeerUser)
	if !ok {
		return 0, errors.Errorf("@%s is not a user", username)
	}
	c.remember(user.UserID, user)
	return user.UserID, nil
}

func (c *Client) remember(id int64, peer tg.InputPeerClass) {
	c.mu.Lock()
	c.peers[id] = peer
	c.mu.Unlock()
}

func (c *Client) peer(id int64) (tg.InputPeerClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[id]
	if !ok {
		return nil, errors.Errorf("no access hash for user %d", id)
	}
	return p, nil
}

func (c *Client) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	router := c.router.Load()
	if router == nil {
		return nil
	}
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	for id, user := range e.Users {
		c.remember(id, user.AsInputPeer())
	}

	router.Dispatch(c.runCtx, toRelay(msg))
	return nil
}

func toRelay(msg *tg.Message) relay.Message {
	out := relay.Message{
		ID:   msg.ID,
		Text: msg.Message,
		Ref:  msg,
	}
	if p, ok := msg.PeerID.(*tg.PeerUser); ok {
		out.ChatID = p.UserID
		out.SenderID = p.UserID
	}
	if from, ok := msg.GetFromID(); ok {
		if p, ok := from.(*tg.PeerUser); ok {
			out.SenderID = p.UserID
		}
	}
	if media, ok := msg.GetMedia(); ok {
		switch media.(type) {
		case *tg.MessageMediaPhoto, *tg.MessageMediaDocument:
			out.HasMedia = true
		}
	}
	if markup, ok := msg.GetReplyMarkup(); ok {
		if inline, ok := markup.(*tg.ReplyInlineMarkup); ok {
			for _, row := range inline.Rows {
				var buttons []relay.Button
				for _, b := range row.Buttons {
					btn := relay.Button{Text: b.GetText()}
					if cb, ok := b.(*tg.KeyboardButtonCallback); ok {
						btn.Data = cb.Data
					}
					buttons = append(buttons, btn)
				}
				out.Buttons = append(out.Buttons, buttons)
			}
		}
	}
	return out
}

// SendText implements relay.Transport
func (c *Client) SendText(ctx context.Context, to int64, text string) error {
	p, err := c.peer(to)
	if err != nil {
		return err
	}
	if _, err := c.sender.To(p).Text(ctx, text); err != nil {
		return errors.Wrapf(err, "send text to %d", to)
	}
	return nil
}

// SendImage implements relay.Transport
func (c *Client) SendImage(ctx context.Context, to int64, image []byte, caption string) error {
	p, err := c.peer(to)
	if err != nil {
		return err
	}
	f, err := uploader.NewUploader(c.api).FromBytes(ctx, "chart.png", image)
	if err != nil {
		return errors.Wrap(err, "upload image")
	}
	if _, err := c.sender.To(p).Media(ctx, message.UploadedPhoto(f, styling.Plain(caption))); err != nil {
		return errors.Wrapf(err, "send image to %d", to)
	}
	return nil
}

// Forward implements relay.Transport
func (c *Client) Forward(ctx context.Context, msg relay.Message, to int64) error {
	from, err := c.peer(msg.ChatID)
	if err != nil {
		return err
	}
	target, err := c.peer(to)
	if err != nil {
		return err
	}
	_, err = c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ID:       []int{msg.ID},
		RandomID: []int64{randomID()},
		ToPeer:   target,
	})
	return errors.Wrapf(err, "forward message %d", msg.ID)
}

// Click implements relay.Transport. Bots often acknowledge a press late;
// a callback timeout still counts as pressed.
func (c *Client) Click(ctx context.Context, msg relay.Message, button relay.Button) error {
	p, err := c.peer(msg.ChatID)
	if err != nil {
		return err
	}
	_, err = c.api.MessagesGetBotCallbackAnswer(ctx, &tg.MessagesGetBotCallbackAnswerRequest{
		Peer:  p,
		MsgID: msg.ID,
		Data:  button.Data,
	})
	if err != nil && !tgerr.Is(err, "BOT_RESPONSE_TIMEOUT") {
		return errors.Wrapf(err, "press %q", button.Text)
	}
	return nil
}

// DownloadMedia implements relay.Transport
func (c *Client) DownloadMedia(ctx context.Context, msg relay.Message) ([]byte, error) {
	raw, ok := msg.Ref.(*tg.Message)
	if !ok {
		return nil, errors.New("message carries no telegram payload")
	}
	loc, err := fileLocation(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(c.api, loc).Stream(ctx, &buf); err != nil {
		return nil, errors.Wrap(err, "download media")
	}
	return buf.Bytes(), nil
}

func fileLocation(msg *tg.Message) (tg.InputFileLocationClass, error) {
	media, ok := msg.GetMedia()
	if !ok {
		return nil, errors.New("message has no media")
	}
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, errors.New("photo is empty")
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestSize(photo.Sizes),
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, errors.New("document is empty")
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, nil
	}
	return nil, errors.Errorf("unsupported media %T", media)
}

func largestSize(sizes []tg.PhotoSizeClass) string {
	best, bestBytes := "", -1
	for _, s := range sizes {
		switch s := s.(type) {
		case *tg.PhotoSize:
			if s.Size > bestBytes {
				best, bestBytes = s.Type, s.Size
			}
		case *tg.PhotoSizeProgressive:
			if n := len(s.Sizes); n > 0 && s.Sizes[n-1] > bestBytes {
				best, bestBytes = s.Type, s.Sizes[n-1]
			}
		}
	}
	return best
}

// History implements relay.Transport, newest message first
func (c *Client) History(ctx context.Context, peer int64, limit int) ([]relay.Message, error) {
	p, err := c.peer(peer)
	if err != nil {
		return nil, err
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: p, Limit: limit})
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}

	var raw []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		raw = r.Messages
	case *tg.MessagesMessagesSlice:
		raw = r.Messages
	case *tg.MessagesChannelMessages:
		raw = r.Messages
	}

	out := make([]relay.Message, 0, len(raw))
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		rm := toRelay(msg)
		if msg.Out {
			rm.SenderID = 0
		}
		out = append(out, rm)
	}
	return out, nil
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}
