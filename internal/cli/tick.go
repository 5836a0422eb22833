package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/area/internal/engine"
)

// NewTickCommand creates the tick command. It asks a running engine to
// evaluate every active area now instead of waiting for the next firing.
func NewTickCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Trigger an immediate scheduler tick on a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report, err := postTick(ctx, http.DefaultClient, opts.Server, opts.APIKey)
			if err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).emit(report, func(w io.Writer) error {
				_, err := fmt.Fprintf(w,
					"tick %s: %d rules, %d skipped, %d polled, %d events, %d succeeded, %d failed, %d errors (%s)\n",
					report.TickID, report.Rules, report.Skipped, report.Polled, report.Events,
					report.Succeeded, report.Failed, report.Errors,
					report.Finished.Sub(report.Started).Round(time.Millisecond))
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the tick to finish")

	return cmd
}

func postTick(ctx context.Context, hc *http.Client, server, apiKey string) (*engine.TickReport, error) {
	url := strings.TrimRight(server, "/") + "/api/v1/scheduler/tick"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &problem) == nil && problem.Detail != "" {
			return nil, fmt.Errorf("tick rejected (%d): %s", resp.StatusCode, problem.Detail)
		}
		return nil, fmt.Errorf("tick rejected (%d)", resp.StatusCode)
	}

	var report engine.TickReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decoding tick report: %w", err)
	}
	return &report, nil
}
