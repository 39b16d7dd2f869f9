package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/diagnosis/garage-gate/internal/dispatch"
	"github.com/diagnosis/garage-gate/internal/geo"
	"github.com/diagnosis/garage-gate/internal/store"
	"github.com/diagnosis/garage-gate/pkg/logger"
)

// HandleEvent runs one chat event through the protocol. Every user-facing
// outcome has already been sent when it returns; the error is for logging.
// Internal failures, panics included, end with an apology to the user.
func (p *Protocol) HandleEvent(ctx context.Context, ev Event) (err error) {
	ctx = logger.WithEvent(logger.WithUser(ctx, ev.UserID), ev.Kind.String())

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic handling %s event: %v", ErrInternal, ev.Kind, r)
		}
		if err != nil && !isUserFacing(err) {
			logger.ErrorContext(ctx, "Event handling failed", "kind", ev.Kind.String(), "error", err)
			p.reply(ctx, ev.UserID, ev.ReplyToken, textMessage(TextSystemError))
		}
	}()

	if ev.UserID == "" {
		return fmt.Errorf("%w: event without user id", ErrInput)
	}

	switch ev.Kind {
	case EventText:
		return p.handleText(ctx, ev)
	case EventPostback:
		return p.handlePostback(ctx, ev)
	default:
		return fmt.Errorf("%w: unsupported event kind %d", ErrInput, int(ev.Kind))
	}
}

// isUserFacing reports errors whose reply was already sent.
func isUserFacing(err error) bool {
	return errors.Is(err, ErrInput) ||
		errors.Is(err, ErrNotMember) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrDispatchFailure)
}

func (p *Protocol) handleText(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.Text) != p.cfg.TriggerText {
		return nil
	}
	if err := p.checkMember(ctx, ev); err != nil {
		return err
	}

	if p.sessionValid(ctx, ev.UserID) {
		menu, err := p.actionMenu(ctx, ev.UserID)
		if err == nil {
			logger.InfoContext(ctx, "Session still valid, sending action menu", "state", StateAuthorized)
			p.reply(ctx, ev.UserID, ev.ReplyToken, menu)
			return nil
		}
		if !errors.Is(err, errSessionExpired) {
			return err
		}
	}
	return p.challenge(ctx, ev)
}

// checkMember runs before any session or token is looked at, so a user
// removed from the allow-list loses access even with a live session.
func (p *Protocol) checkMember(ctx context.Context, ev Event) error {
	members, err := p.members.GetAllowedUsers(ctx)
	if err != nil {
		return fmt.Errorf("%w: load members: %v", ErrInternal, err)
	}
	if _, ok := members[ev.UserID]; !ok {
		logger.WarnContext(ctx, "Rejected non-member", "state", StateUnverified)
		p.reply(ctx, ev.UserID, ev.ReplyToken, textMessage(TextNotMember))
		return ErrNotMember
	}
	return nil
}

// challenge issues a fresh verification token to a member.
func (p *Protocol) challenge(ctx context.Context, ev Event) error {
	token, err := p.mint(ctx, store.PrefixVerify, verifyTokenBytes, ev.UserID, purposeVerify, p.cfg.VerifyTTL)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Issued location challenge", "state", StatePendingVerification)
	p.reply(ctx, ev.UserID, ev.ReplyToken, Message{
		Kind:    MessageVerify,
		Text:    TextVerifyPrompt,
		AltText: TextVerifyAlt,
		Label:   TextVerifyButton,
		URL:     p.verifyURL(token),
	})
	return nil
}

func (p *Protocol) verifyURL(token string) string {
	sep := "?"
	if strings.Contains(p.cfg.VerifyURLBase, "?") {
		sep = "&"
	}
	return p.cfg.VerifyURLBase + sep + "token=" + url.QueryEscape(token)
}

func (p *Protocol) handlePostback(ctx context.Context, ev Event) error {
	if err := p.checkMember(ctx, ev); err != nil {
		return err
	}
	if !p.sessionValid(ctx, ev.UserID) {
		logger.InfoContext(ctx, "Postback without a valid session, re-challenging", "state", StateUnverified)
		return p.challenge(ctx, ev)
	}

	action, ok := p.redeemAction(ctx, ev.UserID, ev.Data)
	if !ok {
		p.reply(ctx, ev.UserID, ev.ReplyToken, textMessage(TextInvalidOperation))
		return ErrInvalidOperation
	}

	logger.InfoContext(ctx, "Dispatching command", "action", string(action), "state", StateActionPending)
	if _, err := p.commander.SendCommand(ctx, action); err != nil {
		logger.ErrorContext(ctx, "Command dispatch failed", "action", string(action), "state", StateConsumed, "error", err)
		p.reply(ctx, ev.UserID, ev.ReplyToken, textMessage(TextDispatchFailed))
		return fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}

	confirm := TextOpened
	if action == dispatch.ActionClose {
		confirm = TextClosed
	}
	logger.InfoContext(ctx, "Command delivered", "action", string(action), "state", StateConsumed)
	p.reply(ctx, ev.UserID, ev.ReplyToken, textMessage(confirm))
	return nil
}

// redeemAction consumes an action token. Unknown, consumed, expired and
// foreign tokens are indistinguishable to the caller.
func (p *Protocol) redeemAction(ctx context.Context, userID, token string) (dispatch.Action, bool) {
	if token == "" {
		return "", false
	}
	raw, found, err := p.store.GetAndConsume(ctx, store.PrefixAction+token)
	if err != nil {
		logger.ErrorContext(ctx, "Action token lookup failed", "error", err)
		return "", false
	}
	if !found {
		return "", false
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		logger.ErrorContext(ctx, "Corrupt action token", "error", err)
		return "", false
	}

	action := dispatch.Action(rec.Action)
	if !action.Valid() || !rec.matches(userID, rec.Action, p.now()) {
		logger.WarnContext(ctx, "Rejected action token", "owner_matches", rec.UserID == userID)
		return "", false
	}
	return action, true
}

// VerifyLocation redeems a verification token with a location fix. On
// success the user gets an authorized session and an action menu pushed to
// the chat.
func (p *Protocol) VerifyLocation(ctx context.Context, proof LocationProof) (res VerifyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = VerifyResult{}, fmt.Errorf("%w: panic verifying location: %v", ErrInternal, r)
		}
	}()

	if proof.Token == "" {
		return VerifyResult{}, fmt.Errorf("%w: missing token", ErrTokenInvalid)
	}
	if proof.Lat == nil || proof.Lng == nil {
		return VerifyResult{}, fmt.Errorf("%w: missing coordinates", ErrInput)
	}
	point := geo.Point{Lat: *proof.Lat, Lng: *proof.Lng}
	if err := geo.ValidateCoordinates(point.Lat, point.Lng); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrInput, err)
	}
	if proof.Acc != nil && (math.IsNaN(*proof.Acc) || math.IsInf(*proof.Acc, 0) || *proof.Acc < 0) {
		return VerifyResult{}, fmt.Errorf("%w: invalid accuracy", ErrInput)
	}

	userID, ok := p.redeemVerify(ctx, proof.Token)
	if !ok {
		return VerifyResult{}, ErrTokenInvalid
	}
	ctx = logger.WithUser(ctx, userID)
	res.UserID = userID

	allowed, err := p.limiter.Allow(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("%w: rate limiter: %v", ErrInternal, err)
	}
	if !allowed {
		logger.WarnContext(ctx, "Location verification rate limited")
		return res, ErrRateLimited
	}

	decision, err := p.cfg.Fence.Check(point, proof.Acc)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInput, err)
	}
	res.DistanceKm = decision.DistanceKm
	res.AccuracyM = decision.AccuracyM

	if _, bypass := p.debug[userID]; bypass && !decision.Accepted {
		logger.WarnContext(ctx, "Geofence bypassed for debug user", "distance_km", decision.DistanceKm)
		decision.Accepted = true
		res.Bypassed = true
	}
	if !decision.Accepted {
		logger.InfoContext(ctx, "Location rejected",
			"distance_km", decision.DistanceKm, "accuracy_m", decision.AccuracyM, "state", StateUnverified)
		return res, ErrLocationRejected
	}

	if err := p.authorize(ctx, userID); err != nil {
		return res, err
	}
	res.OK = true

	menu, err := p.actionMenu(ctx, userID)
	if err != nil {
		logger.ErrorContext(ctx, "Could not mint action menu", "error", err)
		return res, nil
	}
	if err := p.push(ctx, userID, menu); err != nil {
		logger.ErrorContext(ctx, "Action menu not delivered", "error", err)
	}
	return res, nil
}

func (p *Protocol) redeemVerify(ctx context.Context, token string) (string, bool) {
	raw, found, err := p.store.GetAndConsume(ctx, store.PrefixVerify+token)
	if err != nil {
		logger.ErrorContext(ctx, "Verification token lookup failed", "error", err)
		return "", false
	}
	if !found {
		return "", false
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		logger.ErrorContext(ctx, "Corrupt verification token", "error", err)
		return "", false
	}
	if !rec.matches(rec.UserID, purposeVerify, p.now()) {
		return "", false
	}
	return rec.UserID, true
}

func (p *Protocol) authorize(ctx context.Context, userID string) error {
	rec := tokenRecord{UserID: userID, Action: purposeAuthorize, ExpiresAt: p.now().Add(p.cfg.SessionTTL)}
	val, err := rec.encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := p.store.Put(ctx, store.PrefixSession+userID, val, p.cfg.SessionTTL); err != nil {
		return fmt.Errorf("%w: store session: %v", ErrInternal, err)
	}
	logger.InfoContext(ctx, "Location verified, session authorized", "state", StateAuthorized)
	return nil
}

// sessionValid fails closed: store errors read as no session.
func (p *Protocol) sessionValid(ctx context.Context, userID string) bool {
	ok, err := p.store.Exists(ctx, store.PrefixSession+userID)
	if err != nil {
		logger.ErrorContext(ctx, "Session lookup failed", "error", err)
		return false
	}
	return ok
}

// actionMenu mints one open and one close token. Minting requires a live
// session.
func (p *Protocol) actionMenu(ctx context.Context, userID string) (Message, error) {
	if !p.sessionValid(ctx, userID) {
		return Message{}, errSessionExpired
	}

	open, err := p.mint(ctx, store.PrefixAction, actionTokenBytes, userID, string(dispatch.ActionOpen), p.cfg.ActionTTL)
	if err != nil {
		return Message{}, err
	}
	closeTok, err := p.mint(ctx, store.PrefixAction, actionTokenBytes, userID, string(dispatch.ActionClose), p.cfg.ActionTTL)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Kind: MessageActionMenu,
		Text: TextMenuPrompt,
		Choices: []Choice{
			{Label: TextMenuOpen, Data: open},
			{Label: TextMenuClose, Data: closeTok},
		},
	}, nil
}

func (p *Protocol) mint(ctx context.Context, prefix string, size int, userID, purpose string, ttl time.Duration) (string, error) {
	token, err := p.newToken(size)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	rec := tokenRecord{UserID: userID, Action: purpose, ExpiresAt: p.now().Add(ttl)}
	val, err := rec.encode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := p.store.Put(ctx, prefix+token, val, ttl); err != nil {
		return "", fmt.Errorf("%w: store %s token: %v", ErrInternal, purpose, err)
	}
	return token, nil
}
