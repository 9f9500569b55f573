package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scout/internal/fetch"
	"scout/internal/research"
	"scout/internal/types"
)

var (
	researchMode    string
	researchIntent  string
	researchSession string
	researchGoal    string
	researchContext string
	forceRefresh    bool
	jsonOutput      bool
	showEvents      bool
)

var researchCmd = &cobra.Command{
	Use:   "research [query]",
	Short: "Run a research query through the two-phase pipeline",
	Long: `Runs a query through the full pipeline: strategy selection, Phase 1
open-web intelligence gathering, requirements reasoning, and Phase 2
vendor visits with schema-based extraction.

Examples:
  scout research "best mechanical keyboard under $150"
  scout research --mode deep --intent commerce "quiet NAS drives 8TB"
  scout research --intent informational "how do heat pumps perform below freezing"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

func init() {
	researchCmd.Flags().StringVar(&researchMode, "mode", "standard", "Research mode: standard or deep")
	researchCmd.Flags().StringVar(&researchIntent, "intent", "", "Query intent: commerce, informational, navigation, site_search")
	researchCmd.Flags().StringVar(&researchSession, "session", "", "Session ID for cookie/cache continuity")
	researchCmd.Flags().StringVar(&researchGoal, "goal", "", "Explicit research goal (default: the query)")
	researchCmd.Flags().StringVar(&researchContext, "context", "", "Conversation context to carry into the run")
	researchCmd.Flags().BoolVar(&forceRefresh, "force-refresh", false, "Bypass the response cache")
	researchCmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the full result as JSON")
	researchCmd.Flags().BoolVar(&showEvents, "events", false, "Stream progress events to stderr")
}

func runResearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	query := strings.Join(args, " ")
	logger.Info("Starting research", zap.String("query", query), zap.String("mode", researchMode))

	opts := research.Options{Intervention: &terminalIntervention{}}
	var sink *research.ChannelSink
	if showEvents {
		sink = research.NewChannelSink(64)
		opts.Events = sink
		go func() {
			for ev := range sink.Events() {
				fmt.Fprintf(os.Stderr, "[%s] %v\n", ev.Kind, ev.Payload)
			}
		}()
	}

	core, err := research.NewCore(cfg, opts)
	if err != nil {
		return fmt.Errorf("initializing research core: %w", err)
	}
	defer core.Close()

	result, err := core.Research(ctx, research.Request{
		Query:        query,
		Goal:         researchGoal,
		Mode:         types.ResearchMode(researchMode),
		SessionID:    researchSession,
		Intent:       types.ParseIntent(researchIntent),
		Context:      researchContext,
		ForceRefresh: forceRefresh,
	})
	if sink != nil {
		sink.Close()
	}
	if err != nil && result == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "research ended early: %v (partial results below)\n", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printResult(result)
	return nil
}

func printResult(r *types.ResearchResult) {
	fmt.Printf("Query:    %s\n", r.Query)
	fmt.Printf("Strategy: %s  (passes: %d, cached: %v)\n", r.StrategyUsed, r.Passes, r.IntelligenceCached)

	if r.Intelligence != nil && r.Intelligence.Summary != "" {
		fmt.Printf("\n%s\n", r.Intelligence.Summary)
	}

	if len(r.Findings) > 0 {
		fmt.Printf("\nFindings (%d):\n", len(r.Findings))
		for i, f := range r.Findings {
			fmt.Printf("%2d. %s - %s @ %s\n", i+1, f.Name, types.FormatPrice(f.Price), f.Vendor)
			if f.Description != "" {
				fmt.Printf("    %s\n", types.TruncateForLog(f.Description, 120))
			}
			if f.URL != "" {
				fmt.Printf("    %s\n", f.URL)
			}
		}
	} else {
		fmt.Println("\nNo findings.")
	}

	if len(r.Rejected) > 0 {
		fmt.Printf("\nRejected %d candidates", len(r.Rejected))
		var reasons []string
		for i, f := range r.Rejected {
			if i >= 3 {
				break
			}
			reasons = append(reasons, fmt.Sprintf("%s (%s)", f.Name, strings.Join(f.Weaknesses, "; ")))
		}
		if len(reasons) > 0 {
			fmt.Printf(": %s", strings.Join(reasons, ", "))
		}
		fmt.Println()
	}

	if len(r.Sources) > 0 {
		fmt.Printf("\nSources:\n")
		for _, s := range r.Sources {
			fmt.Printf("  [%s] %s\n", s.PageType, s.URL)
		}
	}

	fmt.Printf("\n%d sources, %d vendors visited (%d blocked), %d LLM calls, %v elapsed\n",
		r.Stats.SourcesVisited, r.Stats.VendorsVisited, r.Stats.VendorsBlocked,
		r.Stats.LLMCalls, r.Stats.Elapsed.Round(100_000_000))
	for _, reason := range r.FailureReasons {
		fmt.Printf("note: %s\n", reason)
	}
}

// terminalIntervention pauses on a block and waits for the operator to
// solve the challenge in a headed browser, then continues.
type terminalIntervention struct{}

func (t *terminalIntervention) RequestIntervention(ctx context.Context, req fetch.Intervention) (*fetch.Resolution, error) {
	fmt.Fprintf(os.Stderr, "\n%s blocked %s (%s).\n", req.Domain, req.URL, req.BlockKind)
	if len(req.Screenshot) > 0 {
		shot := filepath.Join(os.TempDir(), "scout-block-"+req.ID+".png")
		if err := os.WriteFile(shot, req.Screenshot, 0644); err == nil {
			fmt.Fprintf(os.Stderr, "Blocked page screenshot: %s\n", shot)
		}
	}
	fmt.Fprintf(os.Stderr, "Solve the challenge in a browser, then press Enter to retry (or Ctrl+C to skip): ")

	done := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(done)
	}()
	select {
	case <-ctx.Done():
		return &fetch.Resolution{Resolved: false}, nil
	case <-done:
		return &fetch.Resolution{Resolved: true}, nil
	}
}
