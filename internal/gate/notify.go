package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/diagnosis/garage-gate/pkg/logger"
)

// reply answers with the reply token and falls back to a push when the
// token is missing, expired or rejected.
func (p *Protocol) reply(ctx context.Context, userID, replyToken string, msgs ...Message) {
	if replyToken != "" {
		err := p.retry(ctx, "reply", func(ctx context.Context) error {
			return p.messenger.ReplyMessage(ctx, replyToken, msgs)
		})
		if err == nil {
			return
		}
		logger.WarnContext(ctx, "Reply failed, falling back to push", "error", err)
	}
	if err := p.push(ctx, userID, msgs...); err != nil {
		logger.ErrorContext(ctx, "Message not delivered", "error", err)
	}
}

func (p *Protocol) push(ctx context.Context, userID string, msgs ...Message) error {
	if userID == "" {
		return errors.New("push: empty user id")
	}
	return p.retry(ctx, "push", func(ctx context.Context) error {
		return p.messenger.PushMessage(ctx, userID, msgs)
	})
}

func (p *Protocol) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.NotifyRetries; attempt++ {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		logger.DebugContext(ctx, "Messenger call failed", "op", op, "attempt", attempt, "error", lastErr)
		if attempt < p.cfg.NotifyRetries {
			if err := p.wait(ctx, p.cfg.NotifyDelay); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, p.cfg.NotifyRetries, lastErr)
}
