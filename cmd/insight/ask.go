package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/insight/pkg/models"
	"github.com/pario-ai/insight/pkg/orchestrator"
)

func newAskCmd(load configLoader) *cobra.Command {
	var (
		subject     string
		operation   string
		historyPath string
	)

	cmd := &cobra.Command{
		Use:   "ask [flags] CONTENT...",
		Short: "Ask about a subject and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			history, err := loadHistory(historyPath)
			if err != nil {
				return err
			}

			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			o := orchestrator.New(a.client, a.orchestratorOptions(operation)...)
			return streamAnswer(ctx, o, cmd.OutOrStdout(), subject, strings.Join(args, " "), history)
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject id the question is about")
	cmd.Flags().StringVar(&operation, "operation", "", "operation name (default \"chat\")")
	cmd.Flags().StringVar(&historyPath, "history", "", "JSON file with prior [{role, content}] turns")
	return cmd
}

// streamAnswer runs one ask and writes each delta to w as it arrives. An
// interrupt cancels the run and keeps the partial answer on screen.
func streamAnswer(ctx context.Context, o *orchestrator.Orchestrator, w io.Writer, subject, content string, history []models.ChatMessage) error {
	printed := 0
	unsubscribe := o.Subscribe(func(s orchestrator.State) {
		if len(s.Content) > printed {
			fmt.Fprint(w, s.Content[printed:])
			printed = len(s.Content)
		}
	})
	defer unsubscribe()

	text, err := o.Run(ctx, subject, content, history)
	if text != "" {
		fmt.Fprintln(w)
	}
	if err != nil {
		return err
	}
	if o.State().Outcome == models.OutcomeCancelled {
		fmt.Fprintln(os.Stderr, "cancelled")
	}
	return nil
}

func loadHistory(path string) ([]models.ChatMessage, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var history []models.ChatMessage
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return history, nil
}
