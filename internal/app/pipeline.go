package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/draw"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/sequencer"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/stream"
)

var (
	// ErrInFlight is returned to a trigger that joined a draw another call
	// started within the coalescing window. That draw may already have
	// finished; the trigger is absorbed either way.
	ErrInFlight = errors.New("draw already requested")
	// ErrIncomplete is returned when the animator finished without
	// signaling every card.
	ErrIncomplete = errors.New("animation ended before every card was shown")
)

// Animator is the view layer's deal and reveal animation. It calls back
// once per card index as each card finishes, in any order, and returns
// when its animation is over.
type Animator interface {
	Deal(ctx context.Context, epoch uint64, spread domain.Spread, dealt func(index int)) error
	Reveal(ctx context.Context, epoch uint64, spread domain.Spread, revealed func(index int)) error
}

// QuotaTracker is the part of quota.Tracker the pipeline drives.
type QuotaTracker interface {
	draw.QuotaGate
	RecordDraw(ctx context.Context, id domain.Identity) error
}

// Pipeline runs a reading end to end: quota and auth check, fetch, deal,
// reveal, streamed interpretation. At most one run is live; starting a new
// draw retires the previous run.
type Pipeline struct {
	draws    *draw.Controller
	seq      *sequencer.Sequencer
	consumer *stream.Consumer
	quota    QuotaTracker
	animator Animator
	readings ports.ReadingStore
	model    string
	lang     string
	logger   *slog.Logger

	mu           sync.Mutex
	activeEpoch  uint64
	activeCancel context.CancelFunc
}

type pipelineConfig struct {
	drawOpts   []draw.Option
	streamOpts []stream.Option
	observers  []sequencer.Observer
	readings   ports.ReadingStore
	model      string
	lang       string
	logger     *slog.Logger
}

type PipelineOption func(*pipelineConfig)

func WithModel(model string) PipelineOption {
	return func(c *pipelineConfig) { c.model = model }
}

// WithLanguage sets the BCP 47 language of the interpretation.
func WithLanguage(lang string) PipelineOption {
	return func(c *pipelineConfig) { c.lang = lang }
}

func WithReadingStore(s ports.ReadingStore) PipelineOption {
	return func(c *pipelineConfig) { c.readings = s }
}

// WithInterpretationSink stores finished interpretations on the backend.
func WithInterpretationSink(s ports.InterpretationSink) PipelineOption {
	return func(c *pipelineConfig) { c.streamOpts = append(c.streamOpts, stream.WithSink(s)) }
}

func WithIdleTimeout(d time.Duration) PipelineOption {
	return func(c *pipelineConfig) { c.streamOpts = append(c.streamOpts, stream.WithIdleTimeout(d)) }
}

// WithDrawOptions passes options through to the draw controller.
func WithDrawOptions(opts ...draw.Option) PipelineOption {
	return func(c *pipelineConfig) { c.drawOpts = append(c.drawOpts, opts...) }
}

// WithObserver registers a view adapter on the sequencer.
func WithObserver(o sequencer.Observer) PipelineOption {
	return func(c *pipelineConfig) { c.observers = append(c.observers, o) }
}

func WithLogger(l *slog.Logger) PipelineOption {
	return func(c *pipelineConfig) { c.logger = l }
}

func NewPipeline(source ports.SpreadSource, tracker QuotaTracker, opener ports.StreamOpener, animator Animator, opts ...PipelineOption) *Pipeline {
	cfg := pipelineConfig{logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	p := &Pipeline{
		seq:      sequencer.New(cfg.observers...),
		quota:    tracker,
		animator: animator,
		readings: cfg.readings,
		model:    cfg.model,
		lang:     cfg.lang,
		logger:   cfg.logger,
	}
	// start goes first so caller hooks see the sequencer at the new epoch.
	drawOpts := append([]draw.Option{draw.WithLogger(cfg.logger), draw.WithOnStart(p.start)}, cfg.drawOpts...)
	p.draws = draw.NewController(source, tracker, drawOpts...)
	streamOpts := append([]stream.Option{stream.WithLogger(cfg.logger)}, cfg.streamOpts...)
	p.consumer = stream.NewConsumer(opener, p.seq.Current, streamOpts...)
	return p
}

// Sequencer exposes the phase state for views.
func (p *Pipeline) Sequencer() *sequencer.Sequencer { return p.seq }

// start runs once per new draw flight, before any I/O.
// The sequencer moves to the new epoch before the previous run is
// cancelled, so nothing that run does afterwards can touch it.
func (p *Pipeline) start(epoch uint64, _ domain.SpreadKind) {
	p.seq.Reset(epoch)
	_ = p.seq.Begin(epoch)

	p.mu.Lock()
	if p.activeCancel != nil && p.activeEpoch < epoch {
		p.activeCancel()
		p.activeCancel = nil
	}
	p.mu.Unlock()
}

// activate makes the run of epoch the live one. A run that lost the race
// to a newer epoch is cancelled instead.
func (p *Pipeline) activate(epoch uint64, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if epoch < p.activeEpoch {
		cancel()
		return false
	}
	if p.activeCancel != nil && p.activeEpoch != epoch {
		p.activeCancel()
	}
	p.activeEpoch, p.activeCancel = epoch, cancel
	return true
}

// Stop cancels the live run, if any.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeCancel != nil {
		p.activeCancel()
		p.activeCancel = nil
	}
}

// Run performs one reading of kind for id and returns it once the
// interpretation has finished.
//
// A run that a newer draw replaced returns an error wrapping
// domain.ErrSuperseded; a trigger that joined a draw started within the
// coalescing window returns ErrInFlight, even when that draw has finished. When the interpretation fails midway the partial
// reading is returned together with the error.
func (p *Pipeline) Run(ctx context.Context, kind domain.SpreadKind, id domain.Identity) (domain.Reading, error) {
	runCtx, cancel := context.WithCancel(ctx)

	d, err := p.draws.RequestDraw(runCtx, kind, id)
	if d.Joined {
		cancel()
		if err != nil {
			return domain.Reading{}, err
		}
		return domain.Reading{}, ErrInFlight
	}
	if d.Epoch == 0 {
		cancel()
		return domain.Reading{}, err
	}
	epoch := d.Epoch
	if !p.activate(epoch, cancel) {
		return domain.Reading{}, fmt.Errorf("%w: epoch %d", domain.ErrSuperseded, epoch)
	}
	defer cancel()

	if err != nil {
		if errors.Is(err, domain.ErrSuperseded) || !p.seq.Current(epoch) {
			return domain.Reading{}, err
		}
		_ = p.seq.FetchFailed(epoch, err)
		return domain.Reading{}, err
	}

	spread := d.Spread
	if err := p.seq.Fetched(epoch, spread); err != nil {
		return domain.Reading{}, p.stale(epoch, err)
	}
	defer p.recordIfTerminal(context.WithoutCancel(ctx), epoch, id)

	reading := domain.Reading{DrawID: spread.ID, Kind: kind, UserID: id.UserID, Spread: spread, CreatedAt: spread.CreatedAt}
	p.saveReading(runCtx, reading)

	summary, err := p.animate(runCtx, epoch, spread)
	if err != nil {
		return domain.Reading{}, err
	}

	text, err := p.interpret(runCtx, epoch, id, spread, summary)
	reading.Interpretation = text
	if text != "" {
		p.saveInterpretation(context.WithoutCancel(ctx), spread.ID, text)
	}
	return reading, err
}

func (p *Pipeline) animate(ctx context.Context, epoch uint64, spread domain.Spread) (string, error) {
	err := p.animator.Deal(ctx, epoch, spread, func(i int) {
		if err := p.seq.CardDealt(epoch, i); err != nil && !errors.Is(err, sequencer.ErrStale) {
			p.logger.DebugContext(ctx, "deal signal ignored", "epoch", epoch, "index", i, "error", err)
		}
	})
	if err := p.check(epoch, sequencer.Revealing, err); err != nil {
		return "", err
	}

	var summary string
	err = p.animator.Reveal(ctx, epoch, spread, func(i int) {
		s, ok, err := p.seq.CardRevealed(epoch, i)
		if err != nil && !errors.Is(err, sequencer.ErrStale) {
			p.logger.DebugContext(ctx, "reveal signal ignored", "epoch", epoch, "index", i, "error", err)
		}
		if ok {
			summary = s
		}
	})
	if err := p.check(epoch, sequencer.Interpreting, err); err != nil {
		return "", err
	}
	return summary, nil
}

// check verifies the sequencer reached want after an animation step, and
// fails the reading otherwise.
func (p *Pipeline) check(epoch uint64, want sequencer.Phase, animErr error) error {
	snap := p.seq.Snapshot()
	if snap.Epoch != epoch {
		return fmt.Errorf("%w: epoch %d", domain.ErrSuperseded, epoch)
	}
	if animErr == nil && snap.Phase == want {
		return nil
	}
	err := animErr
	if err == nil {
		err = fmt.Errorf("%w: still %s", ErrIncomplete, snap.Phase)
	}
	if ferr := p.seq.Fail(epoch, err); errors.Is(ferr, sequencer.ErrStale) {
		return fmt.Errorf("%w: epoch %d", domain.ErrSuperseded, epoch)
	}
	return err
}

func (p *Pipeline) interpret(ctx context.Context, epoch uint64, id domain.Identity, spread domain.Spread, summary string) (string, error) {
	sess := &stream.Session{DrawID: spread.ID, Kind: spread.Kind, Identity: id, Epoch: epoch}
	req := InterpretRequest(spread, p.model, p.lang)
	req.Messages[len(req.Messages)-1].Content = summary

	s, err := p.consumer.Consume(ctx, sess, req)
	if err != nil {
		return "", p.streamFailed(epoch, err)
	}
	for chunk, err := range s.All(ctx) {
		if err != nil {
			return sess.Text(), p.streamFailed(epoch, err)
		}
		if err := p.seq.AppendText(epoch, chunk.Text); err != nil {
			return sess.Text(), p.stale(epoch, err)
		}
	}
	if err := p.seq.StreamDone(epoch); err != nil {
		return sess.Text(), p.stale(epoch, err)
	}
	return sess.Text(), nil
}

func (p *Pipeline) streamFailed(epoch uint64, err error) error {
	if errors.Is(err, domain.ErrSuperseded) {
		return err
	}
	if serr := p.seq.StreamFailed(epoch, err); serr != nil {
		return p.stale(epoch, serr)
	}
	return err
}

// stale turns a sequencer rejection into the error the caller sees.
func (p *Pipeline) stale(epoch uint64, err error) error {
	if errors.Is(err, sequencer.ErrStale) {
		return fmt.Errorf("%w: epoch %d", domain.ErrSuperseded, epoch)
	}
	return err
}

func (p *Pipeline) recordIfTerminal(ctx context.Context, epoch uint64, id domain.Identity) {
	snap := p.seq.Snapshot()
	if snap.Epoch != epoch || !snap.Phase.Terminal() {
		return
	}
	if err := p.quota.RecordDraw(ctx, id); err != nil {
		p.logger.WarnContext(ctx, "draw not recorded", "epoch", epoch, "error", err)
	}
}

func (p *Pipeline) saveReading(ctx context.Context, r domain.Reading) {
	if p.readings == nil {
		return
	}
	if err := p.readings.SaveReading(ctx, r); err != nil {
		p.logger.WarnContext(ctx, "reading not saved", "draw_id", r.DrawID, "error", err)
	}
}

func (p *Pipeline) saveInterpretation(ctx context.Context, drawID, text string) {
	if p.readings == nil {
		return
	}
	if err := p.readings.SaveInterpretation(ctx, drawID, text); err != nil {
		p.logger.WarnContext(ctx, "interpretation not saved", "draw_id", drawID, "error", err)
	}
}
