package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/orchestrator"
	"github.com/dotsetgreg/priya/pkg/persona"
)

type chatOptions struct {
	message string
	user    string
	gated   bool
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, cfg *config.Config, opts chatOptions) error {
	var bootOpts []orchestrator.Option
	if !opts.gated {
		bootOpts = append(bootOpts, orchestrator.WithGate(persona.Always()))
	}
	app, err := orchestrator.Bootstrap(ctx, cfg, bootOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	s := &chatSession{
		app:  app,
		out:  out,
		user: strings.TrimSpace(opts.user),
		name: cfg.Persona.Name,
	}
	if s.user == "" {
		s.user = "cli"
	}

	if msg := strings.TrimSpace(opts.message); msg != "" {
		s.send(ctx, msg)
		return nil
	}

	fmt.Fprintf(out, "Chatting with %s (Ctrl+C to exit)\n\n", s.name)
	if f, ok := in.(*os.File); ok && f == os.Stdin {
		if err := s.interactive(ctx); err == nil {
			return nil
		}
		fmt.Fprintln(out, "Falling back to simple input mode...")
	}
	return s.simple(ctx, in)
}

type chatSession struct {
	app  *orchestrator.App
	out  io.Writer
	user string
	name string
}

func (s *chatSession) send(ctx context.Context, text string) {
	res := s.app.Orchestrator.Handle(ctx, orchestrator.Request{
		UserID:    s.user,
		ScopeID:   "cli:" + s.user,
		Text:      text,
		Kind:      bus.KindText,
		IsMention: true,
	})
	switch {
	case res.Reply != nil:
		fmt.Fprintf(s.out, "\n%s: %s\n\n", s.name, *res.Reply)
	case res.BusyReason != "":
		fmt.Fprintf(s.out, "\n%s (busy): %s\n\n", s.name, res.BusyReason)
	default:
		fmt.Fprintf(s.out, "\n%s is away right now.\n\n", s.name)
	}
}

func (s *chatSession) interactive(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".priya_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			continue
		}
		if done := s.line(ctx, line); done {
			return nil
		}
	}
}

func (s *chatSession) simple(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(s.out, "You: ")
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			if done := s.line(ctx, line); done {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			return err
		}
	}
}

// line handles one input line and reports whether the session should end.
func (s *chatSession) line(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false
	case "exit", "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	}
	s.send(ctx, input)
	return false
}
