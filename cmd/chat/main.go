// Package main implements an interactive terminal client for a gpt-relay
// server.
//
// Lines typed at the prompt are sent as user messages and the reply is
// printed as it streams in. Ctrl+C while a reply is streaming stops it and
// keeps what arrived so far. Lines starting with "/" are commands; /help
// lists them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gpt-relay/internal/client"
	"gpt-relay/internal/session"
	"gpt-relay/internal/storage"

	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
)

const helpText = `Commands:
  /retry             ask again for the last reply
  /clear             start a new conversation
  /system <text>     set the system role (only before the first message)
  /force <text>      record <text> as the reply to the next line you type
  /key [key]         use your own API key (empty clears it)
  /pass [password]   set the site password
  /history           print the conversation
  /help              show this help
  /quit              save and exit
Ctrl+C stops a reply while it is streaming.`

func main() {
	configPath := flag.String("config", "", "Path to client.toml (default ~/.gpt-relay/client.toml)")
	endpoint := flag.String("endpoint", "", "Relay URL (overrides the config file)")
	initConfig := flag.Bool("init-config", false, "Write the effective configuration to the config path and exit")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)

	path := *configPath
	if path == "" {
		var err error
		if path, err = client.DefaultConfigPath(); err != nil {
			log.Fatalf("%v", err)
		}
	}

	cfg, err := client.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid endpoint: %v", err)
		}
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if *initConfig {
		if err := client.SaveConfig(path, cfg); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Wrote %s\n", path)
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg *client.Config, log *logrus.Logger) error {
	gen, err := client.New(cfg, log)
	if err != nil {
		return err
	}

	var store session.Store = session.NewMemoryStore()
	if cfg.StorePath != "" {
		db, err := storage.OpenSQLite(cfg.StorePath)
		if err != nil {
			log.WithError(err).Warn("Session will not be saved")
		} else {
			defer db.Close()
			store = db
		}
	}

	out := newTerminal(os.Stdout)
	sess := session.New(gen, store,
		session.WithRenderer(out),
		session.WithLogger(log),
		session.WithMsgLimit(cfg.MsgLimit),
		session.WithScrollInterval(cfg.ScrollInterval()),
	)
	sess.Load()
	defer func() {
		if err := sess.Close(); err != nil {
			log.WithError(err).Warn("Failed to save session")
		}
	}()

	// Ctrl+C only reaches us outside the prompt, i.e. while a reply streams.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			sess.Stop()
		}
	}()

	cli := newLineReader()
	defer cli.Close()

	fmt.Printf("gpt-relay chat (%s). Type /help for commands.\n", cfg.Endpoint)
	if n := len(sess.Messages()); n > 0 {
		fmt.Printf("Restored %d messages.\n", n)
	}

	var forced string
	for {
		input, err := cli.ReadInput("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, next := handleCommand(input, sess, out)
			if quit {
				return nil
			}
			if next != "" {
				forced = next
			}
			continue
		}

		if forced != "" {
			sess.ForceAssistant(input, forced)
			forced = ""
			out.printLast(sess)
			continue
		}

		if err := sess.Submit(context.Background(), input); err != nil && !errors.Is(err, session.ErrBusy) {
			log.WithError(err).Debug("Turn failed")
		}
	}
}

// handleCommand runs a slash command. It reports whether to quit and, for
// /force, the reply to record for the next line.
func handleCommand(input string, sess *session.Session, out *terminal) (quit bool, forced string) {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, ""
	case "/help":
		fmt.Println(helpText)
	case "/retry":
		if err := sess.Retry(context.Background()); err != nil && !errors.Is(err, session.ErrBusy) {
			out.Error(err)
		}
	case "/clear":
		if err := sess.Clear(); err != nil {
			out.Error(err)
			break
		}
		fmt.Println("Conversation cleared.")
	case "/system":
		if err := sess.SetSystemRole(arg); err != nil {
			out.Error(err)
			break
		}
		fmt.Println("System role set.")
	case "/force":
		if arg == "" {
			fmt.Println("Usage: /force <reply text>")
			break
		}
		fmt.Println("Type the user message for this reply.")
		return false, arg
	case "/key":
		sess.SetKey(arg)
		fmt.Println("API key updated.")
	case "/pass":
		sess.SetPass(arg)
		fmt.Println("Password updated.")
	case "/history":
		out.printHistory(sess)
	default:
		fmt.Printf("Unknown command %s. Type /help for commands.\n", cmd)
	}
	return false, ""
}

// lineReader provides input history and line editing for the prompt.
type lineReader struct {
	line        *liner.State
	historyFile string
}

func newLineReader() *lineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := client.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &lineReader{line: line, historyFile: filepath.Join(dir, "chat_history")}

	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *lineReader) ReadInput(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

func (r *lineReader) Close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}
