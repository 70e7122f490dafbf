package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"gpt-relay/internal/client"
	"gpt-relay/internal/session"

	"github.com/sirupsen/logrus"
)

type cannedGenerator struct {
	reply string
	err   error
}

func (g cannedGenerator) Generate(ctx context.Context, req session.Request) (io.ReadCloser, error) {
	if g.err != nil {
		return nil, g.err
	}
	return io.NopCloser(strings.NewReader(g.reply)), nil
}

func newTestSession(gen session.Generator, out *terminal) *session.Session {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return session.New(gen, session.NewMemoryStore(), session.WithRenderer(out), session.WithLogger(log))
}

func TestTerminalPrintsStreamedReply(t *testing.T) {
	var buf bytes.Buffer
	out := newTerminal(&buf)
	sess := newTestSession(cannedGenerator{reply: "Hi there"}, out)

	if err := sess.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	sess.Close()

	if got, want := buf.String(), "assistant> Hi there\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestTerminalPrintsRelayError(t *testing.T) {
	var buf bytes.Buffer
	out := newTerminal(&buf)
	sess := newTestSession(cannedGenerator{err: &client.Error{StatusCode: 401, Message: "Invalid password"}}, out)

	err := sess.Submit(context.Background(), "Hello")
	var relayErr *client.Error
	if !errors.As(err, &relayErr) {
		t.Fatalf("Submit() error = %v, want *client.Error", err)
	}

	if got, want := buf.String(), "[error] Invalid password\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestHandleCommand(t *testing.T) {
	var buf bytes.Buffer
	out := newTerminal(&buf)
	sess := newTestSession(cannedGenerator{reply: "again"}, out)

	if quit, _ := handleCommand("/system be terse", sess, out); quit {
		t.Fatal("/system should not quit")
	}
	if sess.SystemRole() != "be terse" {
		t.Errorf("SystemRole() = %q", sess.SystemRole())
	}

	if _, forced := handleCommand("/force canned reply", sess, out); forced != "canned reply" {
		t.Errorf("/force returned %q", forced)
	}

	handleCommand("/key sk-own", sess, out)
	if sess.Key() != "sk-own" {
		t.Errorf("Key() = %q", sess.Key())
	}

	sess.ForceAssistant("q", "a")
	handleCommand("/retry", sess, out)
	msgs := sess.Messages()
	if len(msgs) != 2 || msgs[1].Content != "again" {
		t.Errorf("after /retry messages = %+v", msgs)
	}

	handleCommand("/clear", sess, out)
	if len(sess.Messages()) != 0 || sess.SystemRole() != "" {
		t.Error("/clear did not reset the conversation")
	}

	if quit, _ := handleCommand("/quit", sess, out); !quit {
		t.Error("/quit should quit")
	}
}
