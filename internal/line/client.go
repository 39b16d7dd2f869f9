package line

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/diagnosis/garage-gate/internal/gate"
)

// Client sends gate messages through the Messaging API.
type Client struct {
	api *messaging_api.MessagingApiAPI
}

type Option = messaging_api.MessagingApiAPIOption

// WithEndpoint points the client at another API host. Tests use it.
func WithEndpoint(endpoint string) Option {
	return messaging_api.WithEndpoint(endpoint)
}

func NewClient(channelToken string, opts ...Option) (*Client, error) {
	opts = append([]Option{messaging_api.WithHTTPClient(&http.Client{Timeout: 10 * time.Second})}, opts...)
	api, err := messaging_api.NewMessagingApiAPI(channelToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("line: new messaging client: %w", err)
	}
	return &Client{api: api}, nil
}

func (c *Client) ReplyMessage(_ context.Context, replyToken string, msgs []gate.Message) error {
	_, err := c.api.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   Render(msgs),
	})
	if err != nil {
		return fmt.Errorf("line: reply: %w", err)
	}
	return nil
}

func (c *Client) PushMessage(_ context.Context, userID string, msgs []gate.Message) error {
	_, err := c.api.PushMessage(&messaging_api.PushMessageRequest{
		To:       userID,
		Messages: Render(msgs),
	}, "")
	if err != nil {
		return fmt.Errorf("line: push: %w", err)
	}
	return nil
}

// Render converts gate messages to Messaging API messages.
func Render(msgs []gate.Message) []messaging_api.MessageInterface {
	out := make([]messaging_api.MessageInterface, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, render(m))
	}
	return out
}

func render(m gate.Message) messaging_api.MessageInterface {
	switch m.Kind {
	case gate.MessageVerify:
		return &messaging_api.TemplateMessage{
			AltText: m.AltText,
			Template: &messaging_api.ButtonsTemplate{
				Text: m.Text,
				Actions: []messaging_api.ActionInterface{
					&messaging_api.UriAction{Label: m.Label, Uri: m.URL},
				},
			},
		}
	case gate.MessageActionMenu:
		items := make([]messaging_api.QuickReplyItem, 0, len(m.Choices))
		for _, c := range m.Choices {
			items = append(items, messaging_api.QuickReplyItem{
				Action: &messaging_api.PostbackAction{Label: c.Label, Data: c.Data},
			})
		}
		return &messaging_api.TextMessage{
			Text:       m.Text,
			QuickReply: &messaging_api.QuickReply{Items: items},
		}
	default:
		return &messaging_api.TextMessage{Text: m.Text}
	}
}

var _ gate.Messenger = (*Client)(nil)
