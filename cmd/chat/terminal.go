package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gpt-relay/internal/client"
	"gpt-relay/internal/session"
	"gpt-relay/pkg/models"
)

// terminal renders a session to a writer. Streamed text is buffered and
// flushed on the throttled Scroll and whenever a turn ends.
type terminal struct {
	mu      sync.Mutex
	w       *bufio.Writer
	printed int
}

var _ session.Renderer = (*terminal)(nil)

func newTerminal(w io.Writer) *terminal {
	return &terminal{w: bufio.NewWriter(w)}
}

func (t *terminal) Messages([]models.Message) {}

func (t *terminal) Draft(draft string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if draft == "" {
		t.printed = 0
		return
	}
	if t.printed == 0 {
		t.w.WriteString("assistant> ")
	}
	if len(draft) > t.printed {
		t.w.WriteString(draft[t.printed:])
		t.printed = len(draft)
	}
}

func (t *terminal) Scroll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
}

func (t *terminal) State(st session.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch st {
	case session.Committed:
		if t.printed > 0 {
			t.w.WriteString("\n")
		}
	case session.Cancelled:
		if t.printed > 0 {
			t.w.WriteString("\n")
		}
		t.w.WriteString("[stopped]\n")
	case session.Failed:
		if t.printed > 0 {
			t.w.WriteString("\n")
		}
	}
	t.w.Flush()
}

func (t *terminal) Error(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var relayErr *client.Error
	if errors.As(err, &relayErr) {
		fmt.Fprintf(t.w, "[error] %s\n", relayErr.Message)
	} else {
		fmt.Fprintf(t.w, "[error] %v\n", err)
	}
	t.w.Flush()
}

func (t *terminal) printHistory(sess *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if role := sess.SystemRole(); role != "" {
		fmt.Fprintf(t.w, "system> %s\n", role)
	}
	for _, m := range sess.Messages() {
		t.writeMessage(m)
	}
	t.w.Flush()
}

func (t *terminal) printLast(sess *session.Session) {
	msgs := sess.Messages()
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeMessage(msgs[len(msgs)-1])
	t.w.Flush()
}

func (t *terminal) writeMessage(m models.Message) {
	label := "you"
	if m.Role == models.RoleAssistant {
		label = "assistant"
	}
	fmt.Fprintf(t.w, "%s> %s\n", label, strings.TrimRight(m.Content, "\n"))
}
