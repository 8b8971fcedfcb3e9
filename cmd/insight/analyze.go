package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/insight/pkg/analysis"
)

func newAnalyzeCmd(load configLoader) *cobra.Command {
	var (
		subject   string
		operation string
		params    []string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "analyze [flags] [CONTENT...]",
		Short: "Run a cacheable analysis operation for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" || operation == "" {
				return fmt.Errorf("--subject and --operation are required")
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			cfg, err := load()
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

			res, err := a.analyzer.Analyze(ctx, analysis.Request{
				SubjectID: subject,
				Operation: operation,
				Content:   strings.Join(args, " "),
				Params:    p,
				TTL:       ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject id to analyze")
	cmd.Flags().StringVarP(&operation, "operation", "o", "", "analysis operation name")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "operation parameter as key=value (repeatable; JSON values are decoded)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache lifetime override")
	return cmd
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON keep their type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}
