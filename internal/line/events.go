// Package line adapts the LINE Messaging API to the gate protocol: webhook
// events in, gate messages out.
package line

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/diagnosis/garage-gate/internal/gate"
	"github.com/diagnosis/garage-gate/pkg/logger"
)

// ErrInvalidSignature is returned when X-Line-Signature does not match the body.
var ErrInvalidSignature = errors.New("line: invalid signature")

// ParseRequest verifies the webhook signature and converts every supported
// event. Unsupported events are skipped.
func ParseRequest(channelSecret string, r *http.Request) ([]gate.Event, error) {
	cb, err := webhook.ParseRequest(channelSecret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("line: parse webhook: %w", err)
	}

	events := make([]gate.Event, 0, len(cb.Events))
	for _, raw := range cb.Events {
		ev, ok := convert(raw)
		if !ok {
			logger.Debug("Skipping unsupported LINE event", "type", fmt.Sprintf("%T", raw))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func convert(raw webhook.EventInterface) (gate.Event, bool) {
	switch e := raw.(type) {
	case webhook.MessageEvent:
		return messageEvent(&e)
	case *webhook.MessageEvent:
		return messageEvent(e)
	case webhook.PostbackEvent:
		return postbackEvent(&e)
	case *webhook.PostbackEvent:
		return postbackEvent(e)
	default:
		return gate.Event{}, false
	}
}

func messageEvent(e *webhook.MessageEvent) (gate.Event, bool) {
	var text string
	switch m := e.Message.(type) {
	case webhook.TextMessageContent:
		text = m.Text
	case *webhook.TextMessageContent:
		text = m.Text
	default:
		return gate.Event{}, false
	}
	uid := userID(e.Source)
	if uid == "" {
		return gate.Event{}, false
	}
	return gate.Event{Kind: gate.EventText, UserID: uid, ReplyToken: e.ReplyToken, Text: text}, true
}

func postbackEvent(e *webhook.PostbackEvent) (gate.Event, bool) {
	uid := userID(e.Source)
	if uid == "" || e.Postback == nil {
		return gate.Event{}, false
	}
	return gate.Event{Kind: gate.EventPostback, UserID: uid, ReplyToken: e.ReplyToken, Data: e.Postback.Data}, true
}

func userID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case *webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case *webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	case *webhook.RoomSource:
		return s.UserId
	default:
		return ""
	}
}
