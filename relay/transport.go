package relay

import "context"

// Button is one inline control under a chat message
type Button struct {
	Text string
	Data []byte
}

// Message is a chat message as the relay sees it
type Message struct {
	ID       int
	ChatID   int64 // peer the message lives in
	SenderID int64
	Text     string
	HasMedia bool
	Buttons  [][]Button
	Ref      any // transport handle, opaque to the router
}

// Labels flattens the inline keyboard into its button texts, row by row
func (m Message) Labels() []string {
	var labels []string
	for _, row := range m.Buttons {
		for _, b := range row {
			labels = append(labels, b.Text)
		}
	}
	return labels
}

// Button returns the i-th button in Labels order
func (m Message) Button(i int) (Button, bool) {
	if i < 0 {
		return Button{}, false
	}
	for _, row := range m.Buttons {
		if i < len(row) {
			return row[i], true
		}
		i -= len(row)
	}
	return Button{}, false
}

// Transport is the user-account chat connection the relay drives
type Transport interface {
	SendText(ctx context.Context, to int64, text string) error
	SendImage(ctx context.Context, to int64, image []byte, caption string) error
	Forward(ctx context.Context, msg Message, to int64) error
	Click(ctx context.Context, msg Message, button Button) error
	DownloadMedia(ctx context.Context, msg Message) ([]byte, error)
	History(ctx context.Context, peer int64, limit int) ([]Message, error)
}
