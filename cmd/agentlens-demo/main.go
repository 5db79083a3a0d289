// Command agentlens-demo records a small synthetic agent run against
// a local collector, useful for smoke-testing the pipeline end to
// end.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentlens/agentlens/pkg/agentlens"
)

func main() {
	backend := flag.String("backend", "http://localhost:8000", "collector base URL")
	agent := flag.String("agent", "demo-agent", "agent name")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	client, err := agentlens.New(
		agentlens.WithAgentName(*agent),
		agentlens.WithBackendURL(*backend),
		agentlens.WithAPIKey(os.Getenv("LENS_SDK__API_KEY")),
		agentlens.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	ctx := client.StartRun(context.Background(), agentlens.RunOptions{
		Input:    map[string]any{"task": "summarize the quarterly report"},
		Metadata: map[string]any{"environment": "demo"},
	})

	planID := client.RecordLLMCall(ctx, agentlens.LLMCall{
		Model:      "gpt-4o",
		Prompt:     "Plan the steps needed to summarize the quarterly report.",
		Completion: "1. Fetch the report. 2. Extract key figures. 3. Draft summary.",
		LatencyMS:  840,
		Cost:       0.0042,
	})

	// Nest the tool call under the planning call.
	client.SetParentEventID(ctx, planID)
	client.RecordToolCall(ctx, agentlens.ToolCall{
		Tool:      "fetch_document",
		Input:     map[string]any{"document_id": "q3-report"},
		Output:    map[string]any{"pages": 12},
		LatencyMS: 120,
	})
	client.SetParentEventID(ctx, "")

	client.RecordStep(ctx, agentlens.Step{
		Name:       "draft_summary",
		Output:     map[string]any{"words": 240},
		DurationMS: 1500,
	})

	client.EndRun(ctx, agentlens.EndOptions{
		Output:    map[string]any{"summary": "Revenue grew 8% quarter over quarter."},
		TotalCost: 0.0042,
	})

	client.Shutdown(10 * time.Second)
	logger.Info("demo run recorded", slog.String("backend", *backend))
}
