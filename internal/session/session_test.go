package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"gpt-relay/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenerator streams canned chunks through a pipe so that every chunk is
// observed by exactly one Read.
type fakeGenerator struct {
	mu      sync.Mutex
	reqs    []Request
	chunks  []string
	err     error
	readErr error
	hold    bool
}

func (g *fakeGenerator) Generate(ctx context.Context, req Request) (io.ReadCloser, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	chunks, err, readErr, hold := g.chunks, g.err, g.readErr, g.hold
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		for _, c := range chunks {
			if _, err := pw.Write([]byte(c)); err != nil {
				return
			}
		}
		if hold {
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
			return
		}
		pw.CloseWithError(readErr)
	}()
	return pr, nil
}

func (g *fakeGenerator) requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Request(nil), g.reqs...)
}

type recorder struct {
	NopRenderer
	mu      sync.Mutex
	states  []State
	errs    []error
	scrolls int
}

func (r *recorder) State(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Scroll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrolls++
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newSession(gen Generator, store Store, opts ...Option) (*Session, *recorder) {
	rec := &recorder{}
	opts = append([]Option{WithRenderer(rec), WithLogger(quietLogger()), WithScrollInterval(time.Millisecond)}, opts...)
	return New(gen, store, opts...), rec
}

func user(s string) models.Message      { return models.Message{Role: models.RoleUser, Content: s} }
func assistant(s string) models.Message { return models.Message{Role: models.RoleAssistant, Content: s} }

func TestSubmitCommitsReply(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"Hi", " there"}}
	s, rec := newSession(gen, nil)

	require.NoError(t, s.Submit(context.Background(), "Hello"))

	reqs := gen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []models.Message{user("Hello")}, reqs[0].Messages)

	assert.Equal(t, []models.Message{user("Hello"), assistant("Hi there")}, s.Messages())
	assert.Equal(t, "", s.Draft())
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, []State{Sending, Streaming, Committed, Idle}, rec.states)
}

func TestSubmitBlankIsNoop(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"x"}}
	s, _ := newSession(gen, nil)

	require.NoError(t, s.Submit(context.Background(), ""))
	require.NoError(t, s.Submit(context.Background(), "  \n"))
	assert.Empty(t, gen.requests())
	assert.Empty(t, s.Messages())
}

func TestSubmitAppliesWindowAndSystemRole(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok"}}
	s, _ := newSession(gen, nil, WithMsgLimit(3))

	require.NoError(t, s.SetSystemRole("be brief"))
	for i := 0; i < 5; i++ {
		require.True(t, s.ForceAssistant(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)))
	}
	require.NoError(t, s.Submit(context.Background(), "new"))

	reqs := gen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		user("q4"), assistant("a4"), user("new"),
	}, reqs[0].Messages)
}

func TestSubmitCarriesCredentials(t *testing.T) {
	store := NewMemoryStore()
	gen := &fakeGenerator{chunks: []string{"ok"}}
	s, _ := newSession(gen, store)
	s.SetKey("sk-own")
	s.SetPass("pw")

	require.NoError(t, s.Submit(context.Background(), "Hello"))

	req := gen.requests()[0]
	assert.Equal(t, "sk-own", req.Key)
	assert.Equal(t, "pw", req.Pass)

	v, ok, err := store.Get(KeyAPIKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-own", v)
}

func TestSubmissionsAlternate(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"reply"}}
	s, _ := newSession(gen, nil)

	const n = 4
	for i := 0; i < n; i++ {
		require.NoError(t, s.Submit(context.Background(), fmt.Sprintf("msg %d", i)))
	}

	msgs := s.Messages()
	users, assistants := 0, 0
	for i, m := range msgs {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		assert.Equal(t, want, m.Role, "message %d", i)
		if m.Role == models.RoleUser {
			users++
		} else {
			assistants++
		}
	}
	assert.Equal(t, n, users)
	assert.LessOrEqual(t, assistants, n)
}

func TestStopKeepsPartialReply(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"Hel"}, hold: true}
	s, rec := newSession(gen, nil)

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "Hello") }()

	require.Eventually(t, func() bool { return s.Draft() == "Hel" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Streaming, s.State())
	assert.ErrorIs(t, s.Submit(context.Background(), "again"), ErrBusy)

	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after Stop")
	}

	assert.Equal(t, []models.Message{user("Hello"), assistant("Hel")}, s.Messages())
	assert.Equal(t, "", s.Draft())
	assert.Equal(t, Idle, s.State())
	assert.Contains(t, rec.states, Cancelled)
}

func TestParentCancelReturnsContextError(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"par"}, hold: true}
	s, _ := newSession(gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Submit(ctx, "Hello") }()

	require.Eventually(t, func() bool { return s.Draft() == "par" }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}
	assert.Equal(t, []models.Message{user("Hello"), assistant("par")}, s.Messages())
}

func TestGeneratorErrorAbortsTurn(t *testing.T) {
	boom := errors.New("Invalid password")
	gen := &fakeGenerator{err: boom}
	s, rec := newSession(gen, nil)

	err := s.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []models.Message{user("Hello")}, s.Messages())
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, []error{boom}, rec.errs)
	assert.Equal(t, []State{Sending, Failed, Idle}, rec.states)
	assert.NotErrorIs(t, err, context.Canceled)
}

func TestStreamErrorDiscardsDraft(t *testing.T) {
	broken := errors.New("connection reset")
	gen := &fakeGenerator{chunks: []string{"partial"}, readErr: broken}
	s, rec := newSession(gen, nil)

	err := s.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, []models.Message{user("Hello")}, s.Messages())
	assert.Equal(t, "", s.Draft())
	assert.Equal(t, []State{Sending, Streaming, Failed, Idle}, rec.states)
	assert.Equal(t, []error{broken}, rec.errs)
}

func TestStreamKeepsIncompleteTrailingBytes(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok", "\xc3"}}
	s, _ := newSession(gen, nil)

	require.NoError(t, s.Submit(context.Background(), "Hello"))
	assert.Equal(t, "ok\xc3", s.Messages()[1].Content)
}

func TestEmptyReplyCommitsNothing(t *testing.T) {
	gen := &fakeGenerator{}
	s, _ := newSession(gen, nil)

	require.NoError(t, s.Submit(context.Background(), "Hello"))
	assert.Equal(t, []models.Message{user("Hello")}, s.Messages())
}

func TestStreamFoldsRepeatedNewlines(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"a\n", "\n", "b", "\n", "c"}}
	s, _ := newSession(gen, nil)

	require.NoError(t, s.Submit(context.Background(), "Hello"))
	assert.Equal(t, assistant("a\nb\nc"), s.Messages()[1])
}

func TestStreamJoinsSplitRunes(t *testing.T) {
	word := []byte("héllo")
	gen := &fakeGenerator{chunks: []string{string(word[:2]), string(word[2:])}}
	s, _ := newSession(gen, nil)

	require.NoError(t, s.Submit(context.Background(), "Hello"))
	assert.Equal(t, "héllo", s.Messages()[1].Content)
}

func TestRetry(t *testing.T) {
	t.Run("no-op unless last message is from the assistant", func(t *testing.T) {
		gen := &fakeGenerator{err: errors.New("down")}
		s, _ := newSession(gen, nil)

		require.NoError(t, s.Retry(context.Background()))
		assert.Empty(t, gen.requests())

		_ = s.Submit(context.Background(), "Hello")
		require.Len(t, gen.requests(), 1)

		require.NoError(t, s.Retry(context.Background()))
		assert.Len(t, gen.requests(), 1)
		assert.Equal(t, []models.Message{user("Hello")}, s.Messages())
	})

	t.Run("replaces the last reply", func(t *testing.T) {
		gen := &fakeGenerator{chunks: []string{"second"}}
		s, _ := newSession(gen, nil)
		require.True(t, s.ForceAssistant("Hello", "first"))

		require.NoError(t, s.Retry(context.Background()))

		reqs := gen.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, []models.Message{user("Hello")}, reqs[0].Messages)
		assert.Equal(t, []models.Message{user("Hello"), assistant("second")}, s.Messages())
	})
}

func TestForceAssistant(t *testing.T) {
	s, _ := newSession(&fakeGenerator{}, nil)

	assert.False(t, s.ForceAssistant("", "reply"))
	assert.False(t, s.ForceAssistant("question", ""))
	assert.Empty(t, s.Messages())

	assert.True(t, s.ForceAssistant("question", "reply"))
	assert.Equal(t, []models.Message{user("question"), assistant("reply")}, s.Messages())
}

func TestSetSystemRoleAndClear(t *testing.T) {
	s, _ := newSession(&fakeGenerator{}, nil)

	require.NoError(t, s.SetSystemRole("pirate"))
	require.True(t, s.ForceAssistant("q", "a"))
	assert.ErrorIs(t, s.SetSystemRole("other"), ErrConversationStarted)
	assert.Equal(t, "pirate", s.SystemRole())

	require.NoError(t, s.Clear())
	assert.Empty(t, s.Messages())
	assert.Equal(t, "", s.SystemRole())
	require.NoError(t, s.SetSystemRole("other"))
}

func TestClearRemovesSavedConversation(t *testing.T) {
	store := NewMemoryStore()
	s, _ := newSession(&fakeGenerator{}, store)
	require.NoError(t, s.SetSystemRole("pirate"))
	s.SetKey("sk-1")
	require.True(t, s.ForceAssistant("q", "a"))
	require.NoError(t, s.Save())

	require.NoError(t, s.Clear())

	for _, k := range []string{KeyMessages, KeySystemRole} {
		_, ok, err := store.Get(k)
		require.NoError(t, err)
		assert.False(t, ok, "%s still stored", k)
	}
	v, ok, err := store.Get(KeyAPIKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-1", v)
}

func TestLoadSave(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		store := NewMemoryStore()
		s, _ := newSession(&fakeGenerator{}, store)
		require.NoError(t, s.SetSystemRole("terse"))
		s.SetKey("sk-1")
		s.SetPass("pw")
		require.True(t, s.ForceAssistant("q", "a"))
		require.NoError(t, s.Close())

		restored, _ := newSession(&fakeGenerator{}, store)
		restored.Load()
		assert.Equal(t, []models.Message{user("q"), assistant("a")}, restored.Messages())
		assert.Equal(t, "terse", restored.SystemRole())
		assert.Equal(t, "sk-1", restored.Key())
		assert.Equal(t, "pw", restored.Pass())
	})

	t.Run("corrupt message list yields empty state", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Set(KeyMessages, "{not json"))
		require.NoError(t, store.Set(KeyAPIKey, "sk-2"))

		s, _ := newSession(&fakeGenerator{}, store)
		s.Load()
		assert.Empty(t, s.Messages())
		assert.Equal(t, "sk-2", s.Key())
	})

	t.Run("system messages are not restored", func(t *testing.T) {
		store := NewMemoryStore()
		raw, _ := json.Marshal([]models.Message{{Role: models.RoleSystem, Content: "sys"}, user("q")})
		require.NoError(t, store.Set(KeyMessages, string(raw)))

		s, _ := newSession(&fakeGenerator{}, store)
		s.Load()
		assert.Equal(t, []models.Message{user("q")}, s.Messages())
	})

	t.Run("empty store", func(t *testing.T) {
		s, _ := newSession(&fakeGenerator{}, NewMemoryStore())
		s.Load()
		assert.Empty(t, s.Messages())
		assert.Equal(t, Idle, s.State())
	})
}

func TestFoldDelta(t *testing.T) {
	tests := []struct {
		draft, delta, want string
	}{
		{"", "\n", "\n"},
		{"a", "\n", "\n"},
		{"a\n", "\n", ""},
		{"a\n", "\n\n", "\n\n"},
		{"a\n", "b", "b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FoldDelta(tt.draft, tt.delta), "FoldDelta(%q, %q)", tt.draft, tt.delta)
	}
}

func TestStreamingTriggersScroll(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"a", "b", "c"}}
	s, rec := newSession(gen, nil)

	require.NoError(t, s.Submit(context.Background(), "Hello"))
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.scrolls > 0
	}, time.Second, time.Millisecond)
}
