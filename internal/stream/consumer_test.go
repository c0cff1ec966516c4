package stream_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/stream"
)

// pieceReader returns its pieces one Read at a time, whatever the buffer.
type pieceReader struct {
	pieces []string
	closed atomic.Bool
}

func (r *pieceReader) Read(p []byte) (int, error) {
	if len(r.pieces) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.pieces[0])
	r.pieces[0] = r.pieces[0][n:]
	if r.pieces[0] == "" {
		r.pieces = r.pieces[1:]
	}
	return n, nil
}

func (r *pieceReader) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeOpener struct {
	body io.ReadCloser
	err  error
	req  ports.InterpretRequest
}

func (o *fakeOpener) OpenStream(_ context.Context, req ports.InterpretRequest) (io.ReadCloser, error) {
	o.req = req
	return o.body, o.err
}

type fakeSink struct {
	mu     sync.Mutex
	stored map[string]string
}

func (s *fakeSink) StoreInterpretation(_ context.Context, _ domain.SpreadKind, _ domain.Identity, drawID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored == nil {
		s.stored = map[string]string{}
	}
	s.stored[drawID] = text
	return nil
}

func event(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

func always(uint64) bool { return true }

func collect(t *testing.T, s *stream.Stream) ([]string, error) {
	t.Helper()
	var out []string
	for chunk, err := range s.All(context.Background()) {
		if err != nil {
			return out, err
		}
		out = append(out, chunk.Text)
	}
	return out, nil
}

func newSession() *stream.Session {
	return &stream.Session{DrawID: "d1", Kind: domain.SpreadThreeCard, Epoch: 1}
}

func TestConsume_AssemblesInOrderAndPersists(t *testing.T) {
	body := &pieceReader{pieces: []string{event("The Fool ") + event("steps ") + event("forward.") + "data: [DONE]\n\n"}}
	sink := &fakeSink{}
	c := stream.NewConsumer(&fakeOpener{body: body}, always, stream.WithSink(sink))

	sess := newSession()
	s, err := c.Consume(context.Background(), sess, ports.InterpretRequest{Model: "m"})
	require.NoError(t, err)

	got, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"The Fool ", "steps ", "forward."}, got)
	assert.Equal(t, "The Fool steps forward.", sess.Text())
	assert.True(t, sess.Complete())
	assert.NoError(t, sess.Err())
	assert.Equal(t, "The Fool steps forward.", sink.stored["d1"])
	assert.True(t, body.closed.Load())
}

func TestConsume_SplitInvariant(t *testing.T) {
	raw := ": keep-alive\n\n" + event("Past: ") + event("The Fool, ") + "event: ping\n" + event("upright.") + "data: [DONE]\n\n"

	for _, size := range []int{1, 2, 3, 5, 7, 13, len(raw)} {
		t.Run(fmt.Sprintf("pieces of %d", size), func(t *testing.T) {
			var pieces []string
			for i := 0; i < len(raw); i += size {
				pieces = append(pieces, raw[i:min(i+size, len(raw))])
			}
			c := stream.NewConsumer(&fakeOpener{body: &pieceReader{pieces: pieces}}, always)
			sess := newSession()
			s, err := c.Consume(context.Background(), sess, ports.InterpretRequest{})
			require.NoError(t, err)

			_, err = collect(t, s)
			require.NoError(t, err)
			assert.Equal(t, "Past: The Fool, upright.", sess.Text())
		})
	}
}

func TestConsume_DoneMarkerSplitAcrossReads(t *testing.T) {
	body := &pieceReader{pieces: []string{event("All is well."), "data: [DO", "NE]\n\n"}}
	c := stream.NewConsumer(&fakeOpener{body: body}, always)
	sess := newSession()
	s, err := c.Consume(context.Background(), sess, ports.InterpretRequest{})
	require.NoError(t, err)

	got, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"All is well."}, got)
	assert.True(t, sess.Complete())
}

func TestConsume_DoneWithoutTrailingNewline(t *testing.T) {
	body := &pieceReader{pieces: []string{event("x"), "data: [DONE]"}}
	c := stream.NewConsumer(&fakeOpener{body: body}, always)
	s, err := c.Consume(context.Background(), newSession(), ports.InterpretRequest{})
	require.NoError(t, err)

	_, err = collect(t, s)
	assert.NoError(t, err)
}

func TestConsume_SkipsMalformedRecords(t *testing.T) {
	body := &pieceReader{pieces: []string{
		event("one "),
		"data: {not json\n\n",
		"data: {\"choices\":[]}\n\n",
		event("two"),
		"data: [DONE]\n\n",
	}}
	c := stream.NewConsumer(&fakeOpener{body: body}, always)
	sess := newSession()
	s, err := c.Consume(context.Background(), sess, ports.InterpretRequest{})
	require.NoError(t, err)

	got, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two"}, got)
}

func TestConsume_EOFWithoutDoneKeepsPartialText(t *testing.T) {
	body := &pieceReader{pieces: []string{event("The Tower "), event("falls")}}
	c := stream.NewConsumer(&fakeOpener{body: body}, always)
	sess := newSession()
	s, err := c.Consume(context.Background(), sess, ports.InterpretRequest{})
	require.NoError(t, err)

	got, err := collect(t, s)
	require.ErrorIs(t, err, domain.ErrStream)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	var se *stream.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "The Tower falls", se.Partial)
	assert.Equal(t, []string{"The Tower ", "falls"}, got)
	assert.False(t, sess.Complete())
	assert.Equal(t, "The Tower falls", sess.Text())
}

func TestConsume_StaleEpochDropsOutput(t *testing.T) {
	var current atomic.Uint64
	current.Store(1)
	body := &pieceReader{pieces: []string{event("first"), event("late"), "data: [DONE]\n\n"}}
	sink := &fakeSink{}
	c := stream.NewConsumer(&fakeOpener{body: body}, func(e uint64) bool { return e == current.Load() }, stream.WithSink(sink))

	sess := newSession()
	s, err := c.Consume(context.Background(), sess, ports.InterpretRequest{})
	require.NoError(t, err)

	chunk, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", chunk.Text)

	current.Store(2)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, domain.ErrSuperseded)
	assert.Equal(t, "first", sess.Text())
	assert.True(t, body.closed.Load())
	assert.Empty(t, sink.stored)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrSuperseded)
}

func TestConsume_IdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := stream.NewConsumer(&fakeOpener{body: pr}, always, stream.WithIdleTimeout(30*time.Millisecond))
	sess := newSession()
	s, err := c.Consume(context.Background(), sess, ports.InterpretRequest{})
	require.NoError(t, err)

	go func() { _, _ = io.WriteString(pw, event("slow ")) }()

	chunk, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "slow ", chunk.Text)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, stream.ErrIdleTimeout)
	assert.Equal(t, "slow ", sess.Text())
}

func TestConsume_OpenFailure(t *testing.T) {
	c := stream.NewConsumer(&fakeOpener{err: errors.Join(domain.ErrNetwork, errors.New("refused"))}, always)
	sess := newSession()
	_, err := c.Consume(context.Background(), sess, ports.InterpretRequest{})
	require.ErrorIs(t, err, domain.ErrStream)
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Error(t, sess.Err())
}

func TestConsume_ForcesStreamingRequest(t *testing.T) {
	op := &fakeOpener{body: io.NopCloser(strings.NewReader("data: [DONE]\n"))}
	c := stream.NewConsumer(op, always)
	s, err := c.Consume(context.Background(), newSession(), ports.InterpretRequest{Model: "m"})
	require.NoError(t, err)
	_, err = collect(t, s)
	require.NoError(t, err)
	assert.True(t, op.req.Stream)
}
