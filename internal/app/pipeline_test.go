package app_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/storage/sqlite"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/app"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/draw"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/quota"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/sequencer"
)

type spreadSource struct {
	calls atomic.Int32
}

func (s *spreadSource) DrawSpread(_ context.Context, kind domain.SpreadKind, _ domain.Identity) (ports.SpreadPayload, error) {
	n := s.calls.Add(1)
	p := ports.SpreadPayload{ID: fmt.Sprintf("draw-%d", n)}
	if kind == domain.SpreadThreeCard {
		p.Positions = []ports.PositionPayload{
			{PositionName: "Past", Card: "The Fool", Orientation: "upright"},
			{PositionName: "Present", Card: "The Tower", Orientation: "reversed"},
			{PositionName: "Future", Card: "The Star", Orientation: "upright"},
		}
		return p, nil
	}
	for _, name := range kind.PositionNames() {
		p.Positions = append(p.Positions, ports.PositionPayload{PositionName: name, Card: "The Moon", Orientation: "upright"})
	}
	return p, nil
}

// instantAnimator signals every card twice, last to first.
type instantAnimator struct{}

func (instantAnimator) Deal(_ context.Context, _ uint64, s domain.Spread, dealt func(int)) error {
	for i := len(s.Positions) - 1; i >= 0; i-- {
		dealt(i)
		dealt(i)
	}
	return nil
}

func (instantAnimator) Reveal(_ context.Context, _ uint64, s domain.Spread, revealed func(int)) error {
	for i := range s.Positions {
		revealed(i)
	}
	return nil
}

type sseOpener struct {
	mu       sync.Mutex
	body     string
	requests []ports.InterpretRequest
}

func (o *sseOpener) OpenStream(_ context.Context, req ports.InterpretRequest) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	return io.NopCloser(strings.NewReader(o.body)), nil
}

func sse(deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		fmt.Fprintf(&b, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	return b.String()
}

type phaseLog struct {
	mu     sync.Mutex
	phases []sequencer.Phase
}

func (l *phaseLog) observer() sequencer.Observer {
	return sequencer.ObserverFuncs{Phase: func(t sequencer.Transition) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.phases = append(l.phases, t.To)
	}}
}

func (l *phaseLog) get() []sequencer.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sequencer.Phase(nil), l.phases...)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestPipeline_ThreeCardReading(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	tracker := quota.NewTracker(store, nil, quota.WithClock(clock), quota.WithFingerprint("fp"))
	opener := &sseOpener{body: sse("The Fool ", "leaps; ", "the Tower ", "shakes.") + "data: [DONE]\n\n"}
	log := &phaseLog{}
	p := app.NewPipeline(&spreadSource{}, tracker, opener, instantAnimator{},
		app.WithModel("mistral-large-latest"),
		app.WithReadingStore(store),
		app.WithObserver(log.observer()))

	reading, err := p.Run(context.Background(), domain.SpreadThreeCard, domain.Identity{})
	require.NoError(t, err)

	assert.Equal(t, "draw-1", reading.DrawID)
	assert.Equal(t, "The Fool leaps; the Tower shakes.", reading.Interpretation)
	assert.Equal(t, []sequencer.Phase{
		sequencer.Idle, sequencer.Fetching, sequencer.Dealing,
		sequencer.Revealing, sequencer.Interpreting, sequencer.Complete,
	}, log.get())

	require.Len(t, opener.requests, 1)
	req := opener.requests[0]
	assert.True(t, req.Stream)
	assert.Equal(t, "mistral-large-latest", req.Model)
	assert.Equal(t, "Past: The Fool - upright\nPresent: The Tower - reversed\nFuture: The Star - upright",
		req.Messages[len(req.Messages)-1].Content)

	d := tracker.CanDraw(context.Background(), domain.Identity{})
	assert.False(t, d.Allowed, "the draw was recorded")
	assert.Equal(t, "48h 0m", d.CooldownText())

	saved, err := store.ListReadings(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, reading.Interpretation, saved[0].Interpretation)
}

func TestPipeline_QuotaRejectionEndsInError(t *testing.T) {
	store := quota.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), quota.Record{NextDrawTime: now.Add(time.Hour)}))
	tracker := quota.NewTracker(store, nil, quota.WithClock(clock), quota.WithFingerprint("fp"))
	src := &spreadSource{}
	p := app.NewPipeline(src, tracker, &sseOpener{}, instantAnimator{})

	_, err := p.Run(context.Background(), domain.SpreadThreeCard, domain.Identity{})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, sequencer.Error, p.Sequencer().Phase())
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestPipeline_StreamFailureKeepsPartialText(t *testing.T) {
	tracker := quota.NewTracker(quota.NewMemoryStore(), nil, quota.WithClock(clock), quota.WithFingerprint("fp"))
	opener := &sseOpener{body: sse("The Star ", "glimmers")}
	p := app.NewPipeline(&spreadSource{}, tracker, opener, instantAnimator{})

	reading, err := p.Run(context.Background(), domain.SpreadThreeCard, domain.Identity{})
	require.ErrorIs(t, err, domain.ErrStream)
	assert.Equal(t, "The Star glimmers", reading.Interpretation)

	snap := p.Sequencer().Snapshot()
	assert.Equal(t, sequencer.Error, snap.Phase)
	assert.Equal(t, "The Star glimmers", snap.Text)
	assert.False(t, tracker.CanDraw(context.Background(), domain.Identity{}).Allowed, "a fetched draw counts even if the stream failed")
}

type lazyAnimator struct{ instantAnimator }

func (lazyAnimator) Deal(_ context.Context, _ uint64, _ domain.Spread, dealt func(int)) error {
	dealt(0)
	return nil
}

func TestPipeline_IncompleteAnimationFails(t *testing.T) {
	tracker := quota.NewTracker(quota.NewMemoryStore(), nil, quota.WithFingerprint("fp"))
	p := app.NewPipeline(&spreadSource{}, tracker, &sseOpener{}, lazyAnimator{})

	_, err := p.Run(context.Background(), domain.SpreadThreeCard, domain.Identity{})
	require.ErrorIs(t, err, app.ErrIncomplete)
	assert.Equal(t, sequencer.Error, p.Sequencer().Phase())
}

// blockingAnimator parks the first deal until its context ends.
type blockingAnimator struct {
	instantAnimator
	entered chan struct{}
	once    sync.Once
}

func (a *blockingAnimator) Deal(ctx context.Context, epoch uint64, s domain.Spread, dealt func(int)) error {
	first := false
	a.once.Do(func() { first = true })
	if !first {
		return a.instantAnimator.Deal(ctx, epoch, s, dealt)
	}
	close(a.entered)
	<-ctx.Done()
	// Callbacks after the reading was replaced must not leak into the new one.
	for i := range s.Positions {
		dealt(i)
	}
	return ctx.Err()
}

func TestPipeline_NewDrawSupersedesRunningOne(t *testing.T) {
	member := domain.NewIdentity("user-1", "tok")
	tracker := quota.NewTracker(quota.NewMemoryStore(), nil, quota.WithClock(clock), quota.WithFingerprint("fp"))
	anim := &blockingAnimator{entered: make(chan struct{})}
	opener := &sseOpener{body: sse("Moonlight.") + "data: [DONE]\n\n"}
	log := &phaseLog{}
	p := app.NewPipeline(&spreadSource{}, tracker, opener, anim, app.WithObserver(log.observer()))

	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), domain.SpreadThreeCard, member)
		firstErr <- err
	}()
	<-anim.entered

	reading, err := p.Run(context.Background(), domain.SpreadCeltic, member)
	require.NoError(t, err)
	assert.Equal(t, domain.SpreadCeltic, reading.Kind)
	assert.Len(t, reading.Spread.Positions, 10)
	assert.Equal(t, "Moonlight.", reading.Interpretation)

	require.ErrorIs(t, <-firstErr, domain.ErrSuperseded)
	snap := p.Sequencer().Snapshot()
	assert.Equal(t, sequencer.Complete, snap.Phase)
	assert.Equal(t, uint64(2), snap.Epoch)
	assert.Len(t, opener.requests, 1, "the replaced reading never streamed")
}

func TestPipeline_CallerStartHookKeepsSequencerWired(t *testing.T) {
	tracker := quota.NewTracker(quota.NewMemoryStore(), nil, quota.WithClock(clock), quota.WithFingerprint("fp"))
	opener := &sseOpener{body: sse("Dawn.") + "data: [DONE]\n\n"}
	var started []uint64
	p := app.NewPipeline(&spreadSource{}, tracker, opener, instantAnimator{},
		app.WithDrawOptions(draw.WithOnStart(func(epoch uint64, _ domain.SpreadKind) { started = append(started, epoch) })))

	reading, err := p.Run(context.Background(), domain.SpreadThreeCard, domain.Identity{})
	require.NoError(t, err)
	assert.Equal(t, "Dawn.", reading.Interpretation)
	assert.Equal(t, []uint64{1}, started)
	assert.Equal(t, sequencer.Complete, p.Sequencer().Phase())
}

// A trigger inside the window of the previous draw is absorbed, even once
// that draw has finished.
func TestPipeline_RapidTriggerJoins(t *testing.T) {
	tracker := quota.NewTracker(quota.NewMemoryStore(), nil, quota.WithFingerprint("fp"))
	src := &spreadSource{}
	opener := &sseOpener{body: "data: [DONE]\n\n"}
	p := app.NewPipeline(src, tracker, opener, instantAnimator{})

	_, err := p.Run(context.Background(), domain.SpreadThreeCard, domain.Identity{})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), domain.SpreadThreeCard, domain.Identity{})
	assert.ErrorIs(t, err, app.ErrInFlight)
	assert.Equal(t, int32(1), src.calls.Load())
}

// pipeOpener gives the first reading a stream that keeps emitting and
// every later reading a finished one. Closing on context end mirrors an
// HTTP body.
type pipeOpener struct {
	mu    sync.Mutex
	calls int
	w     *io.PipeWriter
	late  chan error
	body  string
}

func (o *pipeOpener) OpenStream(ctx context.Context, _ ports.InterpretRequest) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.calls == 1 {
		r, w := io.Pipe()
		context.AfterFunc(ctx, func() { r.CloseWithError(ctx.Err()) })
		o.w = w
		go io.WriteString(w, sse("OLD "))
		return r, nil
	}
	// The replaced reading is still emitting while the new one streams.
	go func() {
		_, err := io.WriteString(o.w, sse("LATE "))
		o.late <- err
	}()
	return io.NopCloser(strings.NewReader(o.body)), nil
}

func TestPipeline_NewDrawDropsOldStream(t *testing.T) {
	member := domain.NewIdentity("user-1", "tok")
	tracker := quota.NewTracker(quota.NewMemoryStore(), nil, quota.WithClock(clock), quota.WithFingerprint("fp"))
	opener := &pipeOpener{late: make(chan error, 1), body: sse("NEW") + "data: [DONE]\n\n"}

	var mu sync.Mutex
	texts := map[uint64]string{}
	oldSeen := make(chan struct{})
	var once sync.Once
	obs := sequencer.ObserverFuncs{Text: func(epoch uint64, chunk string) {
		mu.Lock()
		texts[epoch] += chunk
		mu.Unlock()
		if chunk == "OLD " {
			once.Do(func() { close(oldSeen) })
		}
	}}
	p := app.NewPipeline(&spreadSource{}, tracker, opener, instantAnimator{}, app.WithObserver(obs))

	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), domain.SpreadThreeCard, member)
		firstErr <- err
	}()
	select {
	case <-oldSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("first stream never emitted")
	}

	reading, err := p.Run(context.Background(), domain.SpreadCeltic, member)
	require.NoError(t, err)
	assert.Equal(t, "NEW", reading.Interpretation)

	require.ErrorIs(t, <-firstErr, domain.ErrSuperseded)
	<-opener.late
	opener.w.Close()

	snap := p.Sequencer().Snapshot()
	assert.Equal(t, sequencer.Complete, snap.Phase)
	assert.Equal(t, "NEW", snap.Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "OLD ", texts[1])
	assert.Equal(t, "NEW", texts[2])
}
