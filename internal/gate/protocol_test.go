package gate_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/garage-gate/internal/dispatch"
	"github.com/diagnosis/garage-gate/internal/gate"
	"github.com/diagnosis/garage-gate/internal/geo"
	"github.com/diagnosis/garage-gate/internal/ratelimit"
	"github.com/diagnosis/garage-gate/internal/store"
	"github.com/diagnosis/garage-gate/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetDefault(logger.New(io.Discard, "error"))
	m.Run()
}

// ---------- Fakes ----------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticMembers struct {
	users map[string]string
	err   error
	panic bool
}

func (s *staticMembers) GetAllowedUsers(context.Context) (map[string]string, error) {
	if s.panic {
		panic("membership backend exploded")
	}
	return s.users, s.err
}

type sent struct {
	to   string // reply token or user id
	push bool
	msgs []gate.Message
}

type recordingMessenger struct {
	mu        sync.Mutex
	sent      []sent
	failReply bool
}

func (r *recordingMessenger) ReplyMessage(_ context.Context, replyToken string, msgs []gate.Message) error {
	if r.failReply {
		return errors.New("Invalid reply token")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{to: replyToken, msgs: msgs})
	return nil
}

func (r *recordingMessenger) PushMessage(_ context.Context, userID string, msgs []gate.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{to: userID, push: true, msgs: msgs})
	return nil
}

func (r *recordingMessenger) last() sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return sent{}
	}
	return r.sent[len(r.sent)-1]
}

func (r *recordingMessenger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingMessenger) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		for _, m := range s.msgs {
			out = append(out, m.Text)
		}
	}
	return out
}

type recordingTransport struct {
	mu       sync.Mutex
	fail     bool
	payloads []string
}

func (t *recordingTransport) Publish(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.payloads = append(t.payloads, string(payload))
	if t.fail {
		return errors.New("broker unreachable")
	}
	return nil
}

func (t *recordingTransport) Probe(context.Context) error { return nil }

func (t *recordingTransport) published() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.payloads...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ---------- Harness ----------

var park = geo.Point{Lat: 24.79155, Lng: 120.99442}

type env struct {
	proto     *gate.Protocol
	clock     *fakeClock
	store     *store.Memory
	members   *staticMembers
	messenger *recordingMessenger
	transport *recordingTransport
}

func newEnv(t *testing.T, mutate ...func(*gate.Config)) *env {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	e := &env{
		clock:     clock,
		store:     store.NewMemory(store.WithClock(clock.Now)),
		members:   &staticMembers{users: map[string]string{"U1": "Alice", "U2": "Bob"}},
		messenger: &recordingMessenger{},
		transport: &recordingTransport{},
	}

	cfg := gate.Config{
		TriggerText:   "開關門",
		VerifyTTL:     300 * time.Second,
		SessionTTL:    300 * time.Second,
		ActionTTL:     300 * time.Second,
		VerifyURLBase: "https://gate.example/verify-location",
		Fence:         geo.Fence{Center: park, MaxDistanceKm: 0.5, AccuracyThresholdM: 50},
		NotifyRetries: 2,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	var seq atomic.Int64
	e.proto = gate.New(cfg, gate.Deps{
		Store:     e.store,
		Members:   e.members,
		Messenger: e.messenger,
		Limiter:   ratelimit.NewMemory(ratelimit.Config{Window: time.Minute, PerKey: 5, Global: 100}, clock.Now),
		Commander: dispatch.New(e.transport, dispatch.Config{MaxAttempts: 3, RetryDelay: time.Millisecond}),
	},
		gate.WithClock(clock.Now),
		gate.WithTokenSource(func(int) (string, error) {
			return fmt.Sprintf("tok-%d", seq.Add(1)), nil
		}),
	)
	return e
}

func f(v float64) *float64 { return &v }

func (e *env) trigger(t *testing.T, userID string) error {
	t.Helper()
	return e.proto.HandleEvent(context.Background(), gate.Event{
		Kind: gate.EventText, UserID: userID, ReplyToken: "r-" + userID, Text: "開關門",
	})
}

func (e *env) postback(userID, data string) error {
	return e.proto.HandleEvent(context.Background(), gate.Event{
		Kind: gate.EventPostback, UserID: userID, ReplyToken: "r-" + userID, Data: data,
	})
}

// verifyToken pulls the token out of the most recent verification prompt.
func (e *env) verifyToken(t *testing.T) string {
	t.Helper()
	msgs := e.messenger.last().msgs
	require.Len(t, msgs, 1)
	require.Equal(t, gate.MessageVerify, msgs[0].Kind)
	u, err := url.Parse(msgs[0].URL)
	require.NoError(t, err)
	tok := u.Query().Get("token")
	require.NotEmpty(t, tok)
	return tok
}

func (e *env) verifyAt(token string, p geo.Point, acc *float64) (gate.VerifyResult, error) {
	return e.proto.VerifyLocation(context.Background(), gate.LocationProof{
		Token: token, Lat: f(p.Lat), Lng: f(p.Lng), Acc: acc,
	})
}

func (e *env) menu(t *testing.T) (open, closeTok string) {
	t.Helper()
	msgs := e.messenger.last().msgs
	require.Len(t, msgs, 1)
	require.Equal(t, gate.MessageActionMenu, msgs[0].Kind)
	require.Len(t, msgs[0].Choices, 2)
	return msgs[0].Choices[0].Data, msgs[0].Choices[1].Data
}

// authorize walks userID through trigger and a successful location check.
func (e *env) authorize(t *testing.T, userID string) (open, closeTok string) {
	t.Helper()
	require.NoError(t, e.trigger(t, userID))
	res, err := e.verifyAt(e.verifyToken(t), park, f(5))
	require.NoError(t, err)
	require.True(t, res.OK)
	return e.menu(t)
}

// ---------- Happy path ----------

func TestFlow_TriggerVerifyOpen(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.trigger(t, "U1"))
	prompt := e.messenger.last()
	assert.Equal(t, "r-U1", prompt.to)
	assert.False(t, prompt.push)
	assert.Equal(t, gate.TextVerifyButton, prompt.msgs[0].Label)
	assert.Contains(t, prompt.msgs[0].URL, "https://gate.example/verify-location?token=")

	res, err := e.verifyAt(e.verifyToken(t), park, f(5))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "U1", res.UserID)
	assert.InDelta(t, 0, res.DistanceKm, 1e-9)

	menu := e.messenger.last()
	assert.True(t, menu.push, "menu is pushed, the reply token is long gone")
	assert.Equal(t, "U1", menu.to)
	assert.Equal(t, gate.TextMenuOpen, menu.msgs[0].Choices[0].Label)
	assert.Equal(t, gate.TextMenuClose, menu.msgs[0].Choices[1].Label)

	open, _ := e.menu(t)
	require.NoError(t, e.postback("U1", open))

	assert.Equal(t, []string{"up"}, e.transport.published())
	assert.Equal(t, gate.TextOpened, e.messenger.last().msgs[0].Text)
}

func TestFlow_CloseSendsDown(t *testing.T) {
	e := newEnv(t)
	_, closeTok := e.authorize(t, "U1")

	require.NoError(t, e.postback("U1", closeTok))
	assert.Equal(t, []string{"down"}, e.transport.published())
	assert.Equal(t, gate.TextClosed, e.messenger.last().msgs[0].Text)
}

func TestText_AuthorizedUserGetsMenuDirectly(t *testing.T) {
	e := newEnv(t)
	first, _ := e.authorize(t, "U1")

	require.NoError(t, e.trigger(t, "U1"))
	open, _ := e.menu(t)
	assert.NotEqual(t, first, open, "a fresh pair is minted")
	assert.False(t, e.messenger.last().push)

	require.NoError(t, e.postback("U1", first), "the earlier pair stays valid until used")
	assert.Equal(t, []string{"up"}, e.transport.published())
}

func TestText_NonTriggerIgnored(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.proto.HandleEvent(context.Background(), gate.Event{
		Kind: gate.EventText, UserID: "U1", ReplyToken: "r", Text: "hello",
	}))
	assert.Zero(t, e.messenger.count())
	assert.Zero(t, e.store.Len())
}

// ---------- Rejections ----------

func TestText_NonMemberRejected(t *testing.T) {
	e := newEnv(t)

	err := e.trigger(t, "U9")
	assert.ErrorIs(t, err, gate.ErrNotMember)
	assert.Equal(t, []string{gate.TextNotMember}, e.messenger.texts())
	assert.Zero(t, e.store.Len(), "no token is minted for strangers")
}

func TestVerify_OutsideFence(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.trigger(t, "U1"))
	sentBefore := e.messenger.count()

	res, err := e.verifyAt(e.verifyToken(t), geo.Point{Lat: 25.0, Lng: 121.5}, f(5))
	assert.ErrorIs(t, err, gate.ErrLocationRejected)
	assert.False(t, res.OK)
	assert.Greater(t, res.DistanceKm, 50.0)
	assert.Equal(t, sentBefore, e.messenger.count(), "no menu is pushed")

	require.NoError(t, e.trigger(t, "U1"))
	assert.Equal(t, gate.MessageVerify, e.messenger.last().msgs[0].Kind, "user is still unverified")
	assert.Empty(t, e.transport.published())
}

func TestVerify_PoorAccuracyRejected(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.trigger(t, "U1"))

	tok := e.verifyToken(t)
	_, err := e.verifyAt(tok, park, f(51))
	assert.ErrorIs(t, err, gate.ErrLocationRejected)

	require.NoError(t, e.trigger(t, "U1"))
	res, err := e.verifyAt(e.verifyToken(t), park, f(50))
	require.NoError(t, err, "the threshold itself is accepted")
	assert.True(t, res.OK)
}

func TestVerify_MissingAccuracyRejected(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.trigger(t, "U1"))

	res, err := e.verifyAt(e.verifyToken(t), park, nil)
	assert.ErrorIs(t, err, gate.ErrLocationRejected)
	assert.InDelta(t, geo.UnknownAccuracyM, res.AccuracyM, 1e-9)
}

func TestVerify_TokenIsSingleUse(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.trigger(t, "U1"))
	tok := e.verifyToken(t)

	_, err := e.verifyAt(tok, geo.Point{Lat: 25.0, Lng: 121.5}, f(5))
	require.ErrorIs(t, err, gate.ErrLocationRejected)

	_, err = e.verifyAt(tok, park, f(5))
	assert.ErrorIs(t, err, gate.ErrTokenInvalid, "a rejected attempt still burns the token")
}

func TestVerify_ExpiredToken(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.trigger(t, "U1"))
	tok := e.verifyToken(t)

	e.clock.Advance(301 * time.Second)

	_, err := e.verifyAt(tok, park, f(5))
	assert.ErrorIs(t, err, gate.ErrTokenInvalid)
}

func TestVerify_UnknownOrMissingToken(t *testing.T) {
	e := newEnv(t)

	_, err := e.verifyAt("nope", park, f(5))
	assert.ErrorIs(t, err, gate.ErrTokenInvalid)

	_, err = e.verifyAt("", park, f(5))
	assert.ErrorIs(t, err, gate.ErrTokenInvalid)
}

func TestVerify_MalformedInputKeepsToken(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.trigger(t, "U1"))
	tok := e.verifyToken(t)

	_, err := e.proto.VerifyLocation(context.Background(), gate.LocationProof{Token: tok, Lat: f(24.79)})
	assert.ErrorIs(t, err, gate.ErrInput)

	_, err = e.verifyAt(tok, geo.Point{Lat: 95, Lng: 0}, f(5))
	assert.ErrorIs(t, err, gate.ErrInput)

	_, err = e.verifyAt(tok, park, f(-1))
	assert.ErrorIs(t, err, gate.ErrInput)

	res, err := e.verifyAt(tok, park, f(5))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestVerify_RateLimitedPerUser(t *testing.T) {
	e := newEnv(t)
	far := geo.Point{Lat: 25.0, Lng: 121.5}

	for i := 0; i < 5; i++ {
		require.NoError(t, e.trigger(t, "U1"))
		_, err := e.verifyAt(e.verifyToken(t), far, f(5))
		require.ErrorIs(t, err, gate.ErrLocationRejected, "attempt %d", i+1)
	}

	require.NoError(t, e.trigger(t, "U1"))
	_, err := e.verifyAt(e.verifyToken(t), park, f(5))
	assert.ErrorIs(t, err, gate.ErrRateLimited)
	assert.Equal(t, 429, gate.StatusOf(err))

	e.clock.Advance(time.Minute)
	require.NoError(t, e.trigger(t, "U1"))
	res, err := e.verifyAt(e.verifyToken(t), park, f(5))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestVerify_DebugUserBypassesFence(t *testing.T) {
	e := newEnv(t, func(c *gate.Config) { c.DebugUsers = []string{"U2"} })

	require.NoError(t, e.trigger(t, "U2"))
	res, err := e.verifyAt(e.verifyToken(t), geo.Point{Lat: 25.0, Lng: 121.5}, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.Bypassed)

	require.NoError(t, e.trigger(t, "U1"))
	_, err = e.verifyAt(e.verifyToken(t), geo.Point{Lat: 25.0, Lng: 121.5}, nil)
	assert.ErrorIs(t, err, gate.ErrLocationRejected, "only listed users bypass")
}

// ---------- Action tokens ----------

func TestPostback_TokenIsSingleUse(t *testing.T) {
	e := newEnv(t)
	open, _ := e.authorize(t, "U1")

	require.NoError(t, e.postback("U1", open))
	err := e.postback("U1", open)
	assert.ErrorIs(t, err, gate.ErrInvalidOperation)
	assert.Equal(t, gate.TextInvalidOperation, e.messenger.last().msgs[0].Text)
	assert.Equal(t, []string{"up"}, e.transport.published())
}

func TestPostback_ForeignTokenRejected(t *testing.T) {
	e := newEnv(t)
	open, _ := e.authorize(t, "U1")
	e.authorize(t, "U2")

	err := e.postback("U2", open)
	assert.ErrorIs(t, err, gate.ErrInvalidOperation)
	assert.Empty(t, e.transport.published())

	err = e.postback("U1", open)
	assert.ErrorIs(t, err, gate.ErrInvalidOperation, "the attempt consumed the token")
}

func TestPostback_UnknownTokenMatchesConsumedResponse(t *testing.T) {
	e := newEnv(t)
	open, _ := e.authorize(t, "U1")
	require.NoError(t, e.postback("U1", open))

	require.ErrorIs(t, e.postback("U1", open), gate.ErrInvalidOperation)
	consumed := e.messenger.last().msgs

	require.ErrorIs(t, e.postback("U1", "never-issued"), gate.ErrInvalidOperation)
	assert.Equal(t, consumed, e.messenger.last().msgs)
}

func TestPostback_ConcurrentRedemptionDispatchesOnce(t *testing.T) {
	e := newEnv(t)
	open, _ := e.authorize(t, "U1")

	const racers = 16
	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		invalid atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := e.postback("U1", open); {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, gate.ErrInvalidOperation):
				invalid.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(racers-1), invalid.Load())
	assert.Equal(t, []string{"up"}, e.transport.published())
}

func TestPostback_ExpiredSessionRechallenges(t *testing.T) {
	e := newEnv(t)
	open, _ := e.authorize(t, "U1")

	e.clock.Advance(301 * time.Second)

	require.NoError(t, e.postback("U1", open))
	assert.Equal(t, gate.MessageVerify, e.messenger.last().msgs[0].Kind)
	assert.Empty(t, e.transport.published())
}

func TestPostback_DispatchFailureIsReported(t *testing.T) {
	e := newEnv(t)
	e.transport.fail = true
	open, _ := e.authorize(t, "U1")

	err := e.postback("U1", open)
	assert.ErrorIs(t, err, gate.ErrDispatchFailure)
	assert.Len(t, e.transport.published(), 3, "dispatcher retried")
	assert.Equal(t, gate.TextDispatchFailed, e.messenger.last().msgs[0].Text)
}

func TestText_DelistedUserWithLiveSessionRejected(t *testing.T) {
	e := newEnv(t)
	open, _ := e.authorize(t, "U1")
	delete(e.members.users, "U1")

	err := e.trigger(t, "U1")
	assert.ErrorIs(t, err, gate.ErrNotMember)
	assert.Equal(t, gate.TextNotMember, e.messenger.last().msgs[0].Text)

	err = e.postback("U1", open)
	assert.ErrorIs(t, err, gate.ErrNotMember)
	assert.Equal(t, gate.TextNotMember, e.messenger.last().msgs[0].Text)
	assert.Empty(t, e.transport.published(), "no command for a removed member")
}

func TestPostback_LogsProtocolStates(t *testing.T) {
	var buf syncBuffer
	logger.SetDefault(logger.New(&buf, "info"))
	t.Cleanup(func() { logger.SetDefault(logger.New(io.Discard, "error")) })

	e := newEnv(t)
	open, _ := e.authorize(t, "U1")
	require.NoError(t, e.postback("U1", open))

	out := buf.String()
	assert.Contains(t, out, `"state":"pending_verification"`)
	assert.Contains(t, out, `"state":"authorized"`)
	assert.Contains(t, out, `"state":"action_pending"`)
	assert.Contains(t, out, `"state":"consumed"`)
	assert.Contains(t, out, `"event":"postback"`)
}

// ---------- Boundary ----------

func TestHandleEvent_PanicBecomesApology(t *testing.T) {
	e := newEnv(t)
	e.members.panic = true

	var err error
	require.NotPanics(t, func() { err = e.trigger(t, "U1") })
	assert.ErrorIs(t, err, gate.ErrInternal)
	assert.Equal(t, gate.TextSystemError, e.messenger.last().msgs[0].Text)
}

func TestHandleEvent_MembershipErrorFailsClosed(t *testing.T) {
	e := newEnv(t)
	e.members.err = errors.New("connection refused")

	err := e.trigger(t, "U1")
	assert.ErrorIs(t, err, gate.ErrInternal)
	assert.Zero(t, e.store.Len())
}

func TestHandleEvent_UnknownKind(t *testing.T) {
	e := newEnv(t)
	err := e.proto.HandleEvent(context.Background(), gate.Event{Kind: gate.EventKind(42), UserID: "U1"})
	assert.ErrorIs(t, err, gate.ErrInput)
}

func TestReply_FallsBackToPush(t *testing.T) {
	e := newEnv(t)
	e.messenger.failReply = true

	require.NoError(t, e.trigger(t, "U1"))
	last := e.messenger.last()
	assert.True(t, last.push)
	assert.Equal(t, "U1", last.to)
	assert.Equal(t, gate.MessageVerify, last.msgs[0].Kind)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{gate.ErrLocationRejected, 200},
		{fmt.Errorf("wrapped: %w", gate.ErrInput), 400},
		{gate.ErrTokenInvalid, 400},
		{gate.ErrRateLimited, 429},
		{gate.ErrInvalidOperation, 403},
		{gate.ErrDispatchFailure, 503},
		{gate.ErrInternal, 500},
		{errors.New("anything else"), 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, gate.StatusOf(tc.err), "%v", tc.err)
	}
}

func TestRejectionText(t *testing.T) {
	assert.Equal(t, gate.TextTokenInvalid, gate.RejectionText(gate.ErrTokenInvalid))
	assert.Equal(t, gate.TextBadLocation, gate.RejectionText(gate.ErrInput))
	assert.Equal(t, gate.TextRateLimited, gate.RejectionText(gate.ErrRateLimited))
	assert.Equal(t, gate.TextOutOfRange, gate.RejectionText(gate.ErrLocationRejected))
	assert.Equal(t, gate.TextInternalError, gate.RejectionText(gate.ErrInternal))
	assert.Empty(t, gate.RejectionText(nil))
}
