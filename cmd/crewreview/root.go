package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"CrewRelay/internal/review"
	"CrewRelay/sdk/go/crewrelay"
)

const defaultRelayURL = "http://localhost:5000"

type rootOptions struct {
	relayURL string
	timeout  time.Duration
	// httpClient 与 decider 仅供测试替换。
	httpClient *http.Client
	decider    review.Decider
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "crewreview",
		Short: "Human review client for a crew relay",
		Long: `crewreview starts crew executions through a relay, polls their status
and asks for an approve or revise decision whenever a task pauses for
human review.`,
		SilenceUsage: true,
	}

	relayURL := os.Getenv("CREWRELAY_URL")
	if relayURL == "" {
		relayURL = defaultRelayURL
	}
	root.PersistentFlags().StringVar(&opts.relayURL, "relay", relayURL,
		"relay base URL (env CREWRELAY_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", crewrelay.DefaultHTTPTimeout,
		"per-request timeout")

	root.AddCommand(
		newRunCommand(opts),
		newStatusCommand(opts),
		newPendingCommand(opts),
		newInputsCommand(opts),
		newHealthCommand(opts),
	)
	return root
}

func (o *rootOptions) client() (*crewrelay.Client, error) {
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: o.timeout}
	}
	return crewrelay.NewClient(o.relayURL, httpClient)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
