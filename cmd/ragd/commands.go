package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/ragd/internal/api"
	"github.com/kalambet/ragd/internal/config"
	"github.com/kalambet/ragd/internal/ingest"
	"github.com/kalambet/ragd/internal/metrics"
	"github.com/kalambet/ragd/internal/storage"
)

// --- ask ---

type answerResult struct {
	Answer    string `json:"answer"`
	Citations []struct {
		SourceURL  string  `json:"source_url"`
		Content    string  `json:"content"`
		Similarity float64 `json:"similarity"`
	} `json:"citations"`
	QueryHash  string `json:"q_hash"`
	QueryLen   int    `json:"q_len"`
	TokensUsed *int   `json:"tokensUsed,omitempty"`
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the running server a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := ask(cmd.Context(), client, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printAnswer(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("json", false, "print the raw response")
}

func ask(ctx context.Context, client *apiClient, query string) (answerResult, error) {
	var res answerResult
	err := client.call(ctx, http.MethodPost, "/v1/answer", map[string]string{"query": query}, &res)
	return res, err
}

func printAnswer(w io.Writer, res answerResult) {
	fmt.Fprintln(w, res.Answer)
	for i, c := range res.Citations {
		text := c.Content
		if len(text) > 160 {
			text = text[:160] + "..."
		}
		fmt.Fprintf(w, "\n%s [similarity: %.3f] %s\n  %s\n",
			render(labelStyle, fmt.Sprintf("[%d]", i+1)), c.Similarity, c.SourceURL, text)
	}
	fmt.Fprintln(w, render(dimStyle, fmt.Sprintf("\nq_hash %s  q_len %d", res.QueryHash, res.QueryLen)))
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show request metrics from the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		recent, _ := cmd.Flags().GetInt("recent")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if recent > 0 {
			var samples []metrics.Sample
			path := fmt.Sprintf("/v1/metrics/recent?limit=%d", recent)
			if err := client.call(cmd.Context(), http.MethodGet, path, nil, &samples); err != nil {
				return err
			}
			printSamples(cmd.OutOrStdout(), samples)
			return nil
		}

		var sum metrics.Summary
		if err := client.call(cmd.Context(), http.MethodGet, "/v1/metrics/summary", nil, &sum); err != nil {
			return err
		}
		printSummary(sum)
		return nil
	},
}

func init() {
	metricsCmd.Flags().Int("recent", 0, "list the N most recent requests instead of the summary")
}

func printSummary(sum metrics.Summary) {
	printStatus("Requests", "%d (window %d)", sum.Count, sum.WindowSize)
	printStatus("Success rate", "%.1f%%", sum.SuccessRate*100)
	printStatus("Error rate", "%.1f%%", sum.ErrorRate*100)
	printStatus("Avg latency", "%.0f ms", sum.AvgLatencyMs)
	printStatus("Avg passages", "%.2f", sum.AvgChunks)
	if sum.AvgCost != nil {
		printStatus("Avg cost", "$%.6f", *sum.AvgCost)
	} else {
		printStatus("Avg cost", "unknown")
	}
}

func printSamples(w io.Writer, samples []metrics.Sample) {
	if len(samples) == 0 {
		fmt.Fprintln(w, "No requests recorded.")
		return
	}
	for _, s := range samples {
		status := render(successStyle, "ok  ")
		if !s.Success {
			status = render(errorStyle, "fail")
		}
		hash := s.QueryHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		if hash == "" {
			hash = "-"
		}
		fmt.Fprintf(w, "%s  %s  %-12s  %5d ms  %s\n",
			s.Timestamp.Format("2006-01-02 15:04:05"), status, hash, s.LatencyMs, s.Note)
	}
}

// --- kb ---

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage the knowledge base",
}

var kbAddCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Extract, chunk, embed and store documents (.txt, .md, .html, .pdf)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKnowledgeBase(cmd.Context(), func(kb *knowledgeBase) error {
			var failed int
			for _, path := range args {
				printStep("Indexing %s", path)
				res, err := kb.ingester.AddFile(cmd.Context(), path)
				switch {
				case err != nil:
					failed++
					printError("%s: %v", path, err)
				case res.Duplicate:
					printWarning("%s: already indexed as %s", path, res.DocumentID)
				default:
					printSuccess("%s: %d passages (%s)", res.Title, res.Passages, res.DocumentID)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(args))
			}
			return nil
		})
	},
}

var kbCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Show how many documents and passages are stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKnowledgeBase(cmd.Context(), func(kb *knowledgeBase) error {
			docs, err := kb.store.CountDocuments(cmd.Context())
			if err != nil {
				return err
			}
			passages, err := kb.vectors.Count(cmd.Context())
			if err != nil {
				return err
			}
			printStatus("Documents", "%d", docs)
			printStatus("Passages", "%d", passages)
			return nil
		})
	},
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withKnowledgeBase(cmd.Context(), func(kb *knowledgeBase) error {
			docs, err := kb.store.ListDocuments(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			printDocuments(cmd.OutOrStdout(), docs)
			return nil
		})
	},
}

var kbRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a document and its passages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKnowledgeBase(cmd.Context(), func(kb *knowledgeBase) error {
			if err := kb.ingester.Remove(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("document %s not found", args[0])
				}
				return err
			}
			printSuccess("Removed %s", args[0])
			return nil
		})
	},
}

func init() {
	kbListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	kbCmd.AddCommand(kbAddCmd)
	kbCmd.AddCommand(kbCountCmd)
	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbRemoveCmd)
}

func printDocuments(w io.Writer, docs []storage.Document) {
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents found.")
		return
	}
	for _, d := range docs {
		fmt.Fprintf(w, "%s  %-8s  %4d  %s\n", render(stepStyle, d.ID), d.Status, d.PassageCount, d.Title)
	}
}

// withKnowledgeBase opens the local store and engine for commands that do
// not go through the server.
func withKnowledgeBase(ctx context.Context, fn func(kb *knowledgeBase) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)
	kb, err := openKnowledgeBase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer kb.Close()
	return fn(kb)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", render(labelStyle, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the answer pipeline as an MCP server over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs go to stderr.
		logger := newLogger(cfg, os.Stderr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kb, err := openKnowledgeBase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer kb.Close()

		orch, tracker, err := newOrchestrator(cfg, kb, logger)
		if err != nil {
			return err
		}
		defer tracker.Close()

		worker := ingest.NewWorker(kb.store, kb.ingester, 500*time.Millisecond)
		go worker.Run(ctx)

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Answerer: orch,
			Metrics:  tracker,
			KB:       kb.admin(),
		})
		logger.Info("MCP server started (stdio transport)")
		if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
