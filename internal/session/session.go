// Package session implements the client side of a conversation: the message
// list, the streaming draft of the reply in flight, and the small state
// machine that allows one turn at a time.
//
// A Session talks to the relay through a Generator and reports progress to a
// Renderer. It never owns presentation; a terminal or any other front end
// drives it through Submit, Stop, Retry and friends.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gpt-relay/internal/llm"
	"gpt-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

const readBufferSize = 4096

var (
	// ErrBusy is returned when an operation needs an idle session.
	ErrBusy = errors.New("a reply is still in progress")

	// ErrConversationStarted is returned by SetSystemRole once messages exist.
	ErrConversationStarted = errors.New("system role can only be set on an empty conversation")
)

// Request is one outgoing turn.
type Request struct {
	Messages []models.Message
	Key      string
	Pass     string
}

// Generator opens a streamed completion. The returned body yields the reply
// as plain text and must be closed by the caller.
type Generator interface {
	Generate(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Session holds one conversation. All methods are safe for concurrent use;
// Stop in particular is meant to be called while Submit is blocked.
type Session struct {
	gen      Generator
	store    Store
	render   Renderer
	log      logrus.FieldLogger
	scroll   *Throttle
	msgLimit int

	mu         sync.Mutex
	messages   []models.Message
	draft      string
	systemRole string
	key        string
	pass       string
	state      State
	cancel     context.CancelFunc
	stopped    bool
}

// Option configures a Session.
type Option func(*options)

type options struct {
	render         Renderer
	log            logrus.FieldLogger
	msgLimit       int
	scrollInterval time.Duration
}

// WithRenderer sets the Renderer notified of progress.
func WithRenderer(r Renderer) Option {
	return func(o *options) { o.render = r }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithMsgLimit sets how many trailing messages are sent per turn. Zero or
// less sends the whole conversation.
func WithMsgLimit(n int) Option {
	return func(o *options) { o.msgLimit = n }
}

// WithScrollInterval sets the scroll throttle interval.
func WithScrollInterval(d time.Duration) Option {
	return func(o *options) { o.scrollInterval = d }
}

// New creates an idle, empty session. Call Load to restore a saved one.
func New(gen Generator, store Store, opts ...Option) *Session {
	o := options{
		render:   NopRenderer{},
		log:      logrus.StandardLogger(),
		msgLimit: llm.DefaultMsgLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if store == nil {
		store = NewMemoryStore()
	}

	s := &Session{
		gen:      gen,
		store:    store,
		render:   o.render,
		log:      o.log,
		msgLimit: o.msgLimit,
		state:    Idle,
	}
	s.scroll = NewThrottle(o.scrollInterval, s.render.Scroll)
	return s
}

// FoldDelta returns the part of delta to append to draft. A lone newline is
// dropped when the draft already ends with one.
func FoldDelta(draft, delta string) string {
	if delta == "\n" && strings.HasSuffix(draft, "\n") {
		return ""
	}
	return delta
}

// Submit appends text as a user message and streams the reply. It blocks
// until the turn ends. Blank text is ignored.
func (s *Session) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.messages = append(s.messages, models.Message{Role: models.RoleUser, Content: text})
	key := s.key
	ctx, req := s.beginLocked(ctx)
	msgs := s.snapshotLocked()
	s.mu.Unlock()

	if key != "" {
		s.persist(KeyAPIKey, key)
	}
	s.render.Messages(msgs)
	return s.run(ctx, req)
}

// Retry drops the last assistant message and requests a new reply for the
// remaining history. It does nothing unless the last message is from the
// assistant.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrBusy
	}
	n := len(s.messages)
	if n == 0 || s.messages[n-1].Role != models.RoleAssistant {
		s.mu.Unlock()
		return nil
	}
	s.messages = s.messages[:n-1]
	ctx, req := s.beginLocked(ctx)
	msgs := s.snapshotLocked()
	s.mu.Unlock()

	s.render.Messages(msgs)
	return s.run(ctx, req)
}

// Stop cancels the turn in flight. Whatever has streamed so far is kept as
// the assistant reply.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	if cancel != nil {
		s.stopped = true
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ForceAssistant appends a user message and an assistant reply without
// contacting the relay. It is a no-op if either text is empty or a turn is
// in flight.
func (s *Session) ForceAssistant(user, assistant string) bool {
	if user == "" || assistant == "" {
		return false
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages,
		models.Message{Role: models.RoleUser, Content: user},
		models.Message{Role: models.RoleAssistant, Content: assistant},
	)
	msgs := s.snapshotLocked()
	s.mu.Unlock()

	s.render.Messages(msgs)
	return true
}

// Clear resets the conversation, the draft and the system role, and removes
// the saved copies of both. The key and password are kept.
func (s *Session) Clear() error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.messages = nil
	s.draft = ""
	s.systemRole = ""
	s.mu.Unlock()

	for _, k := range []string{KeyMessages, KeySystemRole} {
		if err := s.store.Delete(k); err != nil {
			s.log.WithError(err).WithField("key", k).Warn("failed to clear session store")
		}
	}

	s.render.Draft("")
	s.render.Messages(nil)
	return nil
}

// SetSystemRole sets the system prompt. It can only change while the
// conversation is empty.
func (s *Session) SetSystemRole(role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	if len(s.messages) > 0 {
		return ErrConversationStarted
	}
	s.systemRole = role
	return nil
}

// SetKey sets the caller's own upstream API key. An empty key uses the
// relay's.
func (s *Session) SetKey(key string) {
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	s.persist(KeyAPIKey, key)
}

// SetPass sets the site password sent with each turn.
func (s *Session) SetPass(pass string) {
	s.mu.Lock()
	s.pass = pass
	s.mu.Unlock()
	s.persist(KeyPass, pass)
}

// Messages returns a copy of the conversation.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Draft returns the reply streamed so far for the turn in flight.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SystemRole() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemRole
}

func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Session) Pass() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pass
}

// Load restores the conversation, system role, key and password from the
// store. Missing or unreadable entries leave the corresponding field empty.
func (s *Session) Load() {
	raw := s.lookup(KeyMessages)
	var msgs []models.Message
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			s.log.WithError(err).Warn("discarding unreadable message list")
			msgs = nil
		}
	}

	stored := msgs[:0]
	for _, m := range msgs {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			stored = append(stored, m)
		}
	}

	systemRole := s.lookup(KeySystemRole)
	key := s.lookup(KeyAPIKey)
	pass := s.lookup(KeyPass)

	s.mu.Lock()
	s.messages = stored
	s.systemRole = systemRole
	s.key = key
	s.pass = pass
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.render.Messages(snapshot)
}

// Save writes the session back to the store.
func (s *Session) Save() error {
	s.mu.Lock()
	msgs := s.snapshotLocked()
	values := map[string]string{
		KeySystemRole: s.systemRole,
		KeyAPIKey:     s.key,
		KeyPass:       s.pass,
	}
	s.mu.Unlock()

	if msgs == nil {
		msgs = []models.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	values[KeyMessages] = string(raw)

	for _, k := range []string{KeyMessages, KeySystemRole, KeyAPIKey, KeyPass} {
		if err := s.store.Set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close stops any turn in flight and saves the session.
func (s *Session) Close() error {
	s.Stop()
	s.scroll.Stop()
	return s.Save()
}

// beginLocked moves the session to Sending and prepares the request for the
// current history.
func (s *Session) beginLocked(parent context.Context) (context.Context, Request) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.stopped = false
	s.draft = ""
	s.state = Sending
	return ctx, Request{
		Messages: llm.BuildWindow(s.messages, s.systemRole, s.msgLimit),
		Key:      s.key,
		Pass:     s.pass,
	}
}

func (s *Session) run(ctx context.Context, req Request) error {
	s.render.State(Sending)

	body, err := s.gen.Generate(ctx, req)
	if err != nil {
		return s.finish(ctx, err)
	}
	defer body.Close()

	s.setState(Streaming)

	var pending []byte
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			var text string
			text, pending = completeRunes(append(pending, buf[:n]...))
			if text != "" {
				s.appendDelta(text)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = nil
				if len(pending) > 0 {
					s.log.WithField("bytes", len(pending)).Debug("reply ended inside a UTF-8 sequence")
					s.appendDelta(string(pending))
				}
			}
			return s.finish(ctx, rerr)
		}
	}
}

func (s *Session) appendDelta(text string) {
	s.mu.Lock()
	delta := FoldDelta(s.draft, text)
	if delta == "" {
		s.mu.Unlock()
		return
	}
	s.draft += delta
	draft := s.draft
	s.mu.Unlock()

	s.render.Draft(draft)
	s.scroll.Trigger()
}

// finish ends the turn. A cancelled turn keeps its draft, a failed one
// drops it.
func (s *Session) finish(ctx context.Context, err error) error {
	// ctx is the turn's own context; read its error before releasing it.
	ctxErr := ctx.Err()

	s.mu.Lock()
	stopped := s.stopped
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.stopped = false

	var outcome State
	switch {
	case ctxErr != nil:
		outcome = Cancelled
		s.commitDraftLocked()
	case err != nil:
		outcome = Failed
		s.draft = ""
	default:
		outcome = Committed
		s.commitDraftLocked()
	}
	s.state = Idle
	msgs := s.snapshotLocked()
	s.mu.Unlock()

	s.render.State(outcome)
	s.render.Draft("")
	s.render.Messages(msgs)
	s.render.State(Idle)

	switch outcome {
	case Failed:
		s.log.WithError(err).Warn("turn failed")
		s.render.Error(err)
		return err
	case Cancelled:
		if stopped {
			return nil
		}
		return ctxErr
	}
	return nil
}

func (s *Session) commitDraftLocked() {
	if s.draft != "" {
		s.messages = append(s.messages, models.Message{Role: models.RoleAssistant, Content: s.draft})
	}
	s.draft = ""
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.render.State(st)
}

func (s *Session) snapshotLocked() []models.Message {
	if len(s.messages) == 0 {
		return nil
	}
	return append([]models.Message(nil), s.messages...)
}

func (s *Session) lookup(key string) string {
	v, ok, err := s.store.Get(key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("failed to read session store")
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (s *Session) persist(key, value string) {
	if err := s.store.Set(key, value); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("failed to write session store")
	}
}

// completeRunes splits b into the longest prefix of whole UTF-8 sequences
// and a trailing incomplete one.
func completeRunes(b []byte) (string, []byte) {
	end := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				end = i
			}
			break
		}
	}
	return string(b[:end]), append([]byte(nil), b[end:]...)
}
