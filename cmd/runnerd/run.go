package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"runnerd/internal/serving"
	"runnerd/internal/session"
)

func newRunCmd(o *options) *cobra.Command {
	var (
		prompt    string
		system    string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "run MODEL [PROMPT]",
		Short: "Generate from a model in this process",
		Long: "Generate from a model in this process.\n\n" +
			"With a prompt, one completion is streamed to stdout. Without one, an\n" +
			"interactive session starts; each turn continues the previous context.\n" +
			"Type 'exit' or send EOF to quit.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				prompt = args[1]
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			return withStack(cmd, o, func(ctx context.Context, st *stack) error {
				turn := streamTurn(st.service, serving.Request{Model: args[0], System: system, SessionID: sessionID})
				out := cmd.OutOrStdout()
				if prompt != "" {
					return turn(ctx, prompt, out)
				}
				return repl(ctx, inputFor(cmd.InOrStdin()), out, turn)
			})
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt for a single completion")
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id whose context to continue (default: new)")
	return cmd
}

// streamer is the part of the serving facade run needs.
type streamer interface {
	GenerateStream(ctx context.Context, req serving.Request) (*serving.Stream, error)
}

// turnFunc generates a reply to prompt and writes it to out.
type turnFunc func(ctx context.Context, prompt string, out io.Writer) error

// streamTurn returns a turnFunc that streams fragments as they arrive. The
// session id in base carries context from one turn to the next.
func streamTurn(svc streamer, base serving.Request) turnFunc {
	return func(ctx context.Context, prompt string, out io.Writer) error {
		req := base
		req.Prompt = prompt
		st, err := svc.GenerateStream(ctx, req)
		if err != nil {
			return err
		}
		defer st.Close()
		for ev := range st.Events() {
			switch ev.Kind {
			case session.KindFragment:
				if _, err := io.WriteString(out, ev.Text); err != nil {
					return err
				}
			case session.KindDone:
				fmt.Fprintln(out)
				if ev.Done.Err != nil {
					return ev.Done.Err
				}
				return nil
			}
		}
		return ctx.Err()
	}
}

// lineInput yields one user prompt per call; io.EOF ends the session.
type lineInput interface {
	Next() (string, error)
}

type scannerInput struct{ sc *bufio.Scanner }

func (s scannerInput) Next() (string, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.sc.Text(), nil
}

type terminalInput struct{}

func (terminalInput) Next() (string, error) {
	return pterm.DefaultInteractiveTextInput.WithDefaultText(">>>").Show()
}

func inputFor(r io.Reader) lineInput {
	if f, ok := r.(*os.File); ok && f == os.Stdin && isatty.IsTerminal(f.Fd()) {
		return terminalInput{}
	}
	return scannerInput{sc: bufio.NewScanner(r)}
}

// repl runs turns until EOF, "exit" or "/bye". Blank lines are skipped.
func repl(ctx context.Context, in lineInput, out io.Writer, turn turnFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := in.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "/bye":
			return nil
		}
		if err := turn(ctx, line, out); err != nil {
			return err
		}
	}
}
