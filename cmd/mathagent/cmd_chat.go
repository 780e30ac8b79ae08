package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/pipeline"
	"github.com/Kocoro-lab/mathagent/internal/retrieval"
	"github.com/Kocoro-lab/mathagent/internal/session"
)

var (
	promptColor = color.New(color.FgGreen, color.Bold)
	errColor    = color.New(color.FgRed)
)

func newChatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive question and answer session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()
			interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
			return chatLoop(cmd.Context(), a.engine, os.Stdin, cmd.OutOrStdout(), interactive, c.logger)
		},
	}
}

// turnRunner is the part of the engine the chat loop drives.
type turnRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*models.SessionState, error)
	RecordFeedback(ctx context.Context, threadID, feedback string) (session.Turn, error)
}

func chatLoop(ctx context.Context, eng turnRunner, in io.Reader, out io.Writer, interactive bool, logger *zap.Logger) error {
	threadID := newCLISessionID()
	fmt.Fprintln(out, banner)
	fmt.Fprintf(out, "\nSession: %s\n\n", threadID)

	scanner := bufio.NewScanner(in)
	for {
		promptColor.Fprint(out, "You> ")
		if !scanner.Scan() {
			fmt.Fprintln(out, "\nGoodbye.")
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(query) {
		case "":
			continue
		case "/exit", "/quit":
			fmt.Fprintln(out, "Goodbye.")
			return nil
		case "/clear":
			fmt.Fprint(out, "\033[H\033[2J")
			continue
		}

		st, err := eng.Run(ctx, pipeline.Request{ThreadID: threadID, Query: query})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				fmt.Fprintln(out, "\nInterrupted.")
				return nil
			}
			errColor.Fprintf(out, "[error] %v\n\n", err)
			continue
		}
		printTurn(out, st)

		if !interactive || st.RejectReason != "" || st.FinalAnswer == "" {
			continue
		}
		fmt.Fprint(out, "Was this answer helpful? Enter feedback (or press Enter to skip): ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fb := strings.TrimSpace(scanner.Text())
		if fb == "" {
			fmt.Fprintln(out)
			continue
		}
		if _, err := eng.RecordFeedback(ctx, threadID, fb); err != nil {
			logger.Warn("Failed to record feedback", zap.String("thread_id", threadID), zap.Error(err))
			errColor.Fprintln(out, "[error] feedback was not saved")
		} else {
			fmt.Fprintln(out, "Thanks, feedback recorded.")
		}
		fmt.Fprintln(out)
	}
}

func newCLISessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "cli-session-" + hex.EncodeToString(b)
}

func newAskCmd(c *cli) *cobra.Command {
	var (
		threadID string
		asJSON   bool
		topK     int
		topic    string
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()

			req := pipeline.Request{ThreadID: threadID, Query: strings.Join(args, " ")}
			if topK != 0 {
				req.TopK = retrieval.ClampTopK(topK)
			}
			req.Filters.Topic = topic
			st, err := a.engine.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printTurn(cmd.OutOrStdout(), st)
			fmt.Fprintf(cmd.OutOrStdout(), "thread: %s\n", st.ThreadID)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "continue an existing thread")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full session state as JSON")
	cmd.Flags().IntVar(&topK, "top-k", 0, "local retrieval top-k (1-20)")
	cmd.Flags().StringVar(&topic, "topic", "", "restrict local retrieval to a topic")
	return cmd
}
