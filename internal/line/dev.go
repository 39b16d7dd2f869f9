package line

import (
	"context"

	"github.com/diagnosis/garage-gate/internal/gate"
	"github.com/diagnosis/garage-gate/pkg/logger"
)

// DevMessenger logs outbound messages instead of sending them. It is used
// when no channel token is configured.
type DevMessenger struct{}

func NewDevMessenger() *DevMessenger {
	return &DevMessenger{}
}

func (d *DevMessenger) ReplyMessage(ctx context.Context, replyToken string, msgs []gate.Message) error {
	for _, m := range msgs {
		logger.InfoContext(ctx, "💬 [DEV LINE] reply", "reply_token", replyToken, "text", m.Text, "url", m.URL, "choices", len(m.Choices))
	}
	return nil
}

func (d *DevMessenger) PushMessage(ctx context.Context, userID string, msgs []gate.Message) error {
	for _, m := range msgs {
		logger.InfoContext(ctx, "💬 [DEV LINE] push", "to", userID, "text", m.Text, "url", m.URL, "choices", len(m.Choices))
	}
	return nil
}

var _ gate.Messenger = (*DevMessenger)(nil)
