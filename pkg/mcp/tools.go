package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dwellwise/dwellwise/pkg/artifact"
	"github.com/dwellwise/dwellwise/pkg/budget"
	"github.com/dwellwise/dwellwise/pkg/models"
)

type schema struct {
	Type       string              `json:"type"`
	Required   []string            `json:"required,omitempty"`
	Properties map[string]property `json:"properties"`
}

type property struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

type tool struct {
	description string
	schema      schema
	handle      func(ctx context.Context, s *Server, args json.RawMessage) ToolResult
}

var kindProperty = property{
	Type:        "string",
	Description: "Artifact kind",
	Enum:        []string{string(models.KindMarketAnalysis), string(models.KindBudgetStrategy), string(models.KindOfferScenarios)},
}

var tools = map[string]tool{
	"dwellwise_budget_bands": {
		description: "Extract conservative, target and stretch budget bands from budget strategy text.",
		schema: schema{
			Type:     "object",
			Required: []string{"text"},
			Properties: map[string]property{
				"text": {Type: "string", Description: "Budget strategy text"},
			},
		},
		handle: handleBudgetBands,
	},
	"dwellwise_latest_artifact": {
		description: "Show the newest stored artifact of a kind for a buyer, with budget bands for budget strategies.",
		schema: schema{
			Type:     "object",
			Required: []string{"subject_id", "kind"},
			Properties: map[string]property{
				"subject_id": {Type: "string", Description: "Buyer id"},
				"kind":       kindProperty,
			},
		},
		handle: handleLatestArtifact,
	},
	"dwellwise_artifacts": {
		description: "List stored artifacts, newest first.",
		schema: schema{
			Type: "object",
			Properties: map[string]property{
				"subject_id": {Type: "string", Description: "Filter by buyer id (optional)"},
				"kind":       kindProperty,
				"since":      {Type: "string", Description: "Start date in YYYY-MM-DD format (optional)"},
				"limit":      {Type: "integer", Description: "Maximum rows (default 20)"},
			},
		},
		handle: handleArtifacts,
	},
	"dwellwise_artifact_stats": {
		description: "Count stored artifacts per kind and day.",
		schema:      schema{Type: "object", Properties: map[string]property{}},
		handle:      handleArtifactStats,
	},
	"dwellwise_recommendations": {
		description: "Show recommended next actions for a buyer, served from cache when fresh.",
		schema: schema{
			Type:     "object",
			Required: []string{"subject_id"},
			Properties: map[string]property{
				"subject_id": {Type: "string", Description: "Buyer id"},
				"brief":      {Type: "string", Description: "Buyer profile sent to the model on a miss"},
				"refresh":    {Type: "boolean", Description: "Fetch new actions even if cached"},
			},
		},
		handle: handleRecommendations,
	},
	"dwellwise_cache_stats": {
		description: "Show recommendation cache counters (entries, hits, misses, stale reads).",
		schema:      schema{Type: "object", Properties: map[string]property{}},
		handle:      handleCacheStats,
	},
}

func toolList() []Tool {
	out := make([]Tool, 0, len(tools))
	for name, t := range tools {
		out = append(out, Tool{Name: name, Description: t.description, InputSchema: t.schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func textResult(text string) ToolResult {
	return ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolResult {
	return ToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

func handleBudgetBands(_ context.Context, _ *Server, raw json.RawMessage) ToolResult {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	b, ok := budget.Extract(args.Text)
	if !ok {
		return textResult("No budget bands found.")
	}
	return textResult(budget.Format(b))
}

func handleLatestArtifact(ctx context.Context, s *Server, raw json.RawMessage) ToolResult {
	if s.artifacts == nil {
		return textResult("Artifact store is not configured.")
	}
	var args struct {
		SubjectID string              `json:"subject_id"`
		Kind      models.ArtifactKind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	if args.SubjectID == "" || !args.Kind.Valid() {
		return errorResult("subject_id and a valid kind are required")
	}

	a, err := s.artifacts.Latest(ctx, args.SubjectID, args.Kind)
	if errors.Is(err, artifact.ErrNotFound) {
		return textResult(fmt.Sprintf("No %s for %s.", args.Kind, args.SubjectID))
	}
	if err != nil {
		return errorResult("Error reading artifact: " + err.Error())
	}
	return textResult(formatArtifact(a))
}

func handleArtifacts(ctx context.Context, s *Server, raw json.RawMessage) ToolResult {
	if s.artifacts == nil {
		return textResult("Artifact store is not configured.")
	}
	var args struct {
		SubjectID string              `json:"subject_id"`
		Kind      models.ArtifactKind `json:"kind"`
		Since     string              `json:"since"`
		Limit     int                 `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}

	opts := models.ArtifactQueryOpts{SubjectID: args.SubjectID, Kind: args.Kind, Limit: args.Limit}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	list, err := s.artifacts.Query(ctx, opts)
	if err != nil {
		return errorResult("Error querying artifacts: " + err.Error())
	}
	return textResult(formatArtifactList(list))
}

func handleArtifactStats(ctx context.Context, s *Server, _ json.RawMessage) ToolResult {
	if s.artifacts == nil {
		return textResult("Artifact store is not configured.")
	}
	stats, err := s.artifacts.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching artifact stats: " + err.Error())
	}
	if len(stats) == 0 {
		return textResult("No artifacts stored.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-18s %6s\n", "Day", "Kind", "Count")
	for _, st := range stats {
		fmt.Fprintf(&b, "%-12s %-18s %6d\n", st.Day, st.Kind, st.Count)
	}
	return textResult(b.String())
}

func handleRecommendations(ctx context.Context, s *Server, raw json.RawMessage) ToolResult {
	if s.recommend == nil {
		return textResult("Recommendations are not configured.")
	}
	var args struct {
		SubjectID string `json:"subject_id"`
		Brief     string `json:"brief"`
		Refresh   bool   `json:"refresh"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	if args.SubjectID == "" {
		return errorResult("subject_id is required")
	}

	fetch := s.recommend.Actions
	if args.Refresh {
		fetch = s.recommend.Refresh
	}
	res, err := fetch(ctx, args.SubjectID, args.Brief)
	if err != nil {
		return errorResult("Error fetching recommendations: " + err.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s", res.SubjectID, res.Source, res.Status)
	if res.Refreshing {
		b.WriteString(", refreshing")
	}
	b.WriteString(")\n")
	for i, a := range res.Actions {
		fmt.Fprintf(&b, "%d. %s  %s  [%s]\n", i+1, a.Label, a.Command, a.Kind)
	}
	return textResult(b.String())
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolResult {
	if s.cache == nil {
		return textResult("Cache is not configured.")
	}
	st := s.cache.Stats()
	lookups := st.Hits + st.Misses
	rate := 0.0
	if lookups > 0 {
		rate = float64(st.Hits) / float64(lookups) * 100
	}
	return textResult(fmt.Sprintf("Recommendation cache\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Stale:    %d\n"+
		"  Hit rate: %.1f%%\n",
		st.Entries, st.Hits, st.Misses, st.Stale, rate))
}

func formatArtifact(a models.Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s for %s (%s, %s)\n\n%s\n", a.Kind, a.SubjectID, a.Model,
		a.CreatedAt.Format("2006-01-02 15:04"), a.Text)
	if a.Bands != nil {
		fmt.Fprintf(&b, "\n%s\n", budget.Format(*a.Bands))
	}
	return b.String()
}

func formatArtifactList(list []models.Artifact) string {
	if len(list) == 0 {
		return "No artifacts found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-17s %-20s %-18s %8s  %s\n", "Created", "Subject", "Kind", "Latency", "ID")
	for _, a := range list {
		fmt.Fprintf(&b, "%-17s %-20s %-18s %6dms  %s\n",
			a.CreatedAt.Format("2006-01-02 15:04"), a.SubjectID, a.Kind, a.LatencyMs, a.ID)
	}
	return b.String()
}
