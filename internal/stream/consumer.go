// Package stream consumes the incrementally delivered interpretation of a
// spread.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

// DefaultIdleTimeout is how long a stream may stay silent before it fails.
const DefaultIdleTimeout = 60 * time.Second

const (
	doneMarker = "[DONE]"
	readSize   = 4 << 10
)

// ErrIdleTimeout is the cause of a StreamError when no bytes arrived within
// the idle timeout.
var ErrIdleTimeout = errors.New("stream idle timeout")

// StreamError ends a stream that failed before the end marker. Partial is
// the text assembled up to the failure.
type StreamError struct {
	DrawID  string
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s for draw %s: %v", domain.ErrStream, e.DrawID, e.Err)
}

func (e *StreamError) Unwrap() []error { return []error{domain.ErrStream, e.Err} }

// Session is the one interpretation in progress. It belongs to the epoch
// that was current when streaming began.
type Session struct {
	DrawID   string
	Kind     domain.SpreadKind
	Identity domain.Identity
	Epoch    uint64

	mu       sync.Mutex
	text     strings.Builder
	complete bool
	err      error
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) append(text string) {
	s.mu.Lock()
	s.text.WriteString(text)
	s.mu.Unlock()
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.complete = err == nil
	s.err = err
	s.mu.Unlock()
}

// Chunk is one piece of interpretation text, in delivery order.
type Chunk struct {
	Epoch uint64
	Text  string
}

// Consumer opens interpretation streams and turns them into Streams.
type Consumer struct {
	opener ports.StreamOpener
	live   func(epoch uint64) bool
	sink   ports.InterpretationSink
	idle   time.Duration
	logger *slog.Logger
}

type Option func(*Consumer)

// WithIdleTimeout sets the silence allowed between reads. Zero disables it.
func WithIdleTimeout(d time.Duration) Option { return func(c *Consumer) { c.idle = d } }

// WithSink persists the assembled text once the end marker arrives.
func WithSink(s ports.InterpretationSink) Option { return func(c *Consumer) { c.sink = s } }

func WithLogger(l *slog.Logger) Option { return func(c *Consumer) { c.logger = l } }

// NewConsumer returns a consumer whose streams stay alive only while live
// reports their epoch as current.
func NewConsumer(opener ports.StreamOpener, live func(epoch uint64) bool, opts ...Option) *Consumer {
	c := &Consumer{
		opener: opener,
		live:   live,
		idle:   DefaultIdleTimeout,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Consume starts the interpretation described by req for sess. The returned
// Stream must be drained or closed.
func (c *Consumer) Consume(ctx context.Context, sess *Session, req ports.InterpretRequest) (*Stream, error) {
	req.Stream = true
	rctx, cancel := context.WithCancel(ctx)
	body, err := c.opener.OpenStream(rctx, req)
	if err != nil {
		cancel()
		serr := &StreamError{DrawID: sess.DrawID, Err: err}
		sess.finish(serr)
		return nil, serr
	}

	s := &Stream{c: c, sess: sess, body: body, cancel: cancel}
	if c.idle > 0 {
		s.timer = time.AfterFunc(c.idle, func() {
			s.timedOut.Store(true)
			cancel()
			_ = body.Close()
		})
	}
	return s, nil
}

// Stream is a lazy, finite, non-restartable sequence of chunks. It is not
// safe for concurrent use.
type Stream struct {
	c      *Consumer
	sess   *Session
	body   io.ReadCloser
	cancel context.CancelFunc
	timer  *time.Timer

	timedOut atomic.Bool

	buf     []byte
	pending []string
	eof     bool
	err     error
}

// Session returns the session the stream fills.
func (s *Stream) Session() *Session { return s.sess }

// Next returns the next chunk. It returns io.EOF once the end marker has
// been consumed, a *StreamError when the stream failed, and an error
// wrapping domain.ErrSuperseded when its epoch is no longer current. After
// the first error every call returns the same error.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	if s.err != nil {
		return Chunk{}, s.err
	}
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		if !s.c.live(s.sess.Epoch) {
			return Chunk{}, s.fail(fmt.Errorf("%w: stream for epoch %d dropped", domain.ErrSuperseded, s.sess.Epoch))
		}
		for len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]
			text, done := s.parse(ctx, rec)
			if done {
				return Chunk{}, s.complete(ctx)
			}
			if text == "" {
				continue
			}
			s.sess.append(text)
			return Chunk{Epoch: s.sess.Epoch, Text: text}, nil
		}
		if s.eof {
			return Chunk{}, s.fail(&StreamError{DrawID: s.sess.DrawID, Partial: s.sess.Text(), Err: io.ErrUnexpectedEOF})
		}
		if err := s.fill(ctx); err != nil {
			return Chunk{}, s.fail(err)
		}
	}
}

// All ranges over the remaining chunks. A clean end stops the sequence
// without an error; any other error is yielded once as the final element.
func (s *Stream) All(ctx context.Context) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
	err := s.body.Close()
	if s.err == nil {
		s.err = &StreamError{DrawID: s.sess.DrawID, Partial: s.sess.Text(), Err: errors.New("stream closed")}
	}
	return err
}

// fill reads once from the body and queues every complete record. The
// trailing partial record stays in buf until its newline arrives; at EOF
// it is queued as the last record.
func (s *Stream) fill(ctx context.Context) error {
	chunk := make([]byte, readSize)
	n, err := s.body.Read(chunk)
	if n > 0 {
		if s.timer != nil {
			s.timer.Reset(s.c.idle)
		}
		s.buf = append(s.buf, chunk[:n]...)
		for {
			i := bytes.IndexByte(s.buf, '\n')
			if i < 0 {
				break
			}
			s.pending = append(s.pending, string(s.buf[:i]))
			s.buf = s.buf[i+1:]
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if len(s.buf) > 0 {
			s.pending = append(s.pending, string(s.buf))
			s.buf = nil
		}
		s.eof = true
		return nil
	case s.timedOut.Load():
		return &StreamError{DrawID: s.sess.DrawID, Partial: s.sess.Text(), Err: ErrIdleTimeout}
	case ctx.Err() != nil:
		return &StreamError{DrawID: s.sess.DrawID, Partial: s.sess.Text(), Err: ctx.Err()}
	default:
		return &StreamError{DrawID: s.sess.DrawID, Partial: s.sess.Text(), Err: err}
	}
}

type deltaEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// parse interprets one record. Only data records carry content; comments,
// other fields and blank separators are skipped.
func (s *Stream) parse(ctx context.Context, rec string) (text string, done bool) {
	rec = strings.TrimRight(rec, "\r")
	data, ok := strings.CutPrefix(rec, "data:")
	if !ok {
		return "", false
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return "", false
	}
	if data == doneMarker {
		return "", true
	}
	var ev deltaEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		s.c.logger.WarnContext(ctx, "skipping malformed stream record", "draw_id", s.sess.DrawID, "record", data, "error", err)
		return "", false
	}
	if len(ev.Choices) == 0 {
		return "", false
	}
	return ev.Choices[0].Delta.Content, false
}

func (s *Stream) complete(ctx context.Context) error {
	s.sess.finish(nil)
	s.release()
	s.err = io.EOF

	if s.c.sink != nil && s.sess.DrawID != "" {
		text := s.sess.Text()
		if err := s.c.sink.StoreInterpretation(ctx, s.sess.Kind, s.sess.Identity, s.sess.DrawID, text); err != nil {
			s.c.logger.WarnContext(ctx, "interpretation not stored", "draw_id", s.sess.DrawID, "error", err)
		}
	}
	return s.err
}

func (s *Stream) fail(err error) error {
	s.err = err
	if !errors.Is(err, domain.ErrSuperseded) {
		s.sess.finish(err)
	}
	s.release()
	return err
}

func (s *Stream) release() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
	_ = s.body.Close()
}
