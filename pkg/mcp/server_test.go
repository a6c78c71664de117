package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwellwise/dwellwise/pkg/artifact"
	"github.com/dwellwise/dwellwise/pkg/models"
	"github.com/dwellwise/dwellwise/pkg/recommend"
)

type fakeArtifacts struct {
	latest map[string]models.Artifact
	query  models.ArtifactQueryOpts
}

func (f *fakeArtifacts) Latest(_ context.Context, subjectID string, kind models.ArtifactKind) (models.Artifact, error) {
	a, ok := f.latest[subjectID+"/"+string(kind)]
	if !ok {
		return models.Artifact{}, artifact.ErrNotFound
	}
	return a, nil
}

func (f *fakeArtifacts) Query(_ context.Context, opts models.ArtifactQueryOpts) ([]models.Artifact, error) {
	f.query = opts
	var out []models.Artifact
	for _, a := range f.latest {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeArtifacts) Stats(context.Context) ([]artifact.Stat, error) {
	return []artifact.Stat{{Kind: models.KindBudgetStrategy, Day: "2026-03-01", Count: 3}}, nil
}

type fakeRecommender struct {
	refreshed bool
}

func (f *fakeRecommender) Actions(_ context.Context, subjectID, _ string) (recommend.Result, error) {
	return recommend.Result{
		SubjectID:  subjectID,
		Source:     recommend.SourceCache,
		Status:     models.StatusStale,
		Refreshing: true,
		Actions:    []models.RecommendedAction{{Label: "Pull comps", Command: "/comps", Kind: models.ActionArtifact}},
	}, nil
}

func (f *fakeRecommender) Refresh(_ context.Context, subjectID, _ string) (recommend.Result, error) {
	f.refreshed = true
	return recommend.Result{SubjectID: subjectID, Source: recommend.SourceFetched, Status: models.StatusValid}, nil
}

type fakeCache struct{ stats models.CacheStats }

func (f fakeCache) Stats() models.CacheStats { return f.stats }

func newTestServer() (*Server, *fakeArtifacts, *fakeRecommender) {
	lo, hi := 450000.0, 520000.0
	arts := &fakeArtifacts{latest: map[string]models.Artifact{
		"buyer-1/budget_strategy": {
			ID:        "a1",
			SubjectID: "buyer-1",
			Kind:      models.KindBudgetStrategy,
			Model:     "gpt-4o",
			Text:      "Conservative band: $450,000 - $520,000",
			Bands:     &models.BudgetBands{ConservativeMin: &lo, ConservativeMax: &hi},
			CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		},
	}}
	rec := &fakeRecommender{}
	srv := New(Deps{
		Artifacts: arts,
		Recommend: rec,
		Cache:     fakeCache{stats: models.CacheStats{Entries: 2, Hits: 3, Misses: 1, Stale: 1}},
	}, "test")
	return srv, arts, rec
}

func roundTrip(t *testing.T, srv *Server, reqs ...Request) []Response {
	t.Helper()
	var in bytes.Buffer
	for _, r := range reqs {
		line, err := json.Marshal(r)
		require.NoError(t, err)
		in.Write(append(line, '\n'))
	}
	var out bytes.Buffer
	require.NoError(t, srv.Run(context.Background(), &in, &out))

	var resps []Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r Response
		require.NoError(t, dec.Decode(&r))
		resps = append(resps, r)
	}
	return resps
}

func callTool(t *testing.T, srv *Server, name, args string) ToolResult {
	t.Helper()
	params, err := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	require.NoError(t, err)
	resps := roundTrip(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call", Params: params})
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	raw, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var res ToolResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.NotEmpty(t, res.Content)
	return res
}

func TestInitializeAndNotification(t *testing.T) {
	srv, _, _ := newTestServer()
	resps := roundTrip(t, srv,
		Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"},
		Request{JSONRPC: "2.0", Method: "notifications/initialized"},
	)
	require.Len(t, resps, 1)
	assert.JSONEq(t, `1`, string(resps[0].ID))

	raw, _ := json.Marshal(resps[0].Result)
	var init InitializeResult
	require.NoError(t, json.Unmarshal(raw, &init))
	assert.Equal(t, "dwellwise", init.ServerInfo.Name)
	assert.Equal(t, "test", init.ServerInfo.Version)
	assert.Equal(t, protocolVersion, init.ProtocolVersion)
}

func TestToolsList(t *testing.T) {
	srv, _, _ := newTestServer()
	resps := roundTrip(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/list"})
	require.Len(t, resps, 1)

	raw, _ := json.Marshal(resps[0].Result)
	var list struct {
		Tools []Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Tools, len(tools))
	for i := 1; i < len(list.Tools); i++ {
		assert.Less(t, list.Tools[i-1].Name, list.Tools[i].Name)
	}
}

func TestUnknownMethodAndParseError(t *testing.T) {
	srv, _, _ := newTestServer()
	var out bytes.Buffer
	in := strings.NewReader("{not json\n" + `{"jsonrpc":"2.0","id":3,"method":"resources/list"}` + "\n")
	require.NoError(t, srv.Run(context.Background(), in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"code":-32700`)
	assert.Contains(t, lines[1], `"code":-32601`)
}

func TestBudgetBandsTool(t *testing.T) {
	srv, _, _ := newTestServer()

	res := callTool(t, srv, "dwellwise_budget_bands", `{"text":"Target band: $500,000 - $560,000"}`)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "target: $500,000")

	res = callTool(t, srv, "dwellwise_budget_bands", `{"text":"Nothing numeric here."}`)
	assert.Equal(t, "No budget bands found.", res.Content[0].Text)
}

func TestLatestArtifactTool(t *testing.T) {
	srv, _, _ := newTestServer()

	res := callTool(t, srv, "dwellwise_latest_artifact", `{"subject_id":"buyer-1","kind":"budget_strategy"}`)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "Conservative band")
	assert.Contains(t, res.Content[0].Text, "conservative: $450,000")

	res = callTool(t, srv, "dwellwise_latest_artifact", `{"subject_id":"buyer-2","kind":"market_analysis"}`)
	assert.False(t, res.IsError)
	assert.Equal(t, "No market_analysis for buyer-2.", res.Content[0].Text)

	res = callTool(t, srv, "dwellwise_latest_artifact", `{"subject_id":"buyer-1","kind":"poem"}`)
	assert.True(t, res.IsError)
}

func TestArtifactsTool(t *testing.T) {
	srv, arts, _ := newTestServer()

	res := callTool(t, srv, "dwellwise_artifacts", `{"subject_id":"buyer-1","since":"2026-02-01"}`)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "a1")
	assert.Equal(t, 20, arts.query.Limit)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), arts.query.Since)

	res = callTool(t, srv, "dwellwise_artifacts", `{"since":"last week"}`)
	assert.True(t, res.IsError)

	res = callTool(t, srv, "dwellwise_artifact_stats", `{}`)
	assert.Contains(t, res.Content[0].Text, "2026-03-01")
}

func TestRecommendationsTool(t *testing.T) {
	srv, _, rec := newTestServer()

	res := callTool(t, srv, "dwellwise_recommendations", `{"subject_id":"buyer-1"}`)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "refreshing")
	assert.Contains(t, res.Content[0].Text, "1. Pull comps  /comps  [artifact]")
	assert.False(t, rec.refreshed)

	_ = callTool(t, srv, "dwellwise_recommendations", `{"subject_id":"buyer-1","refresh":true}`)
	assert.True(t, rec.refreshed)

	res = callTool(t, srv, "dwellwise_recommendations", `{}`)
	assert.True(t, res.IsError)
}

func TestCacheStatsTool(t *testing.T) {
	srv, _, _ := newTestServer()
	res := callTool(t, srv, "dwellwise_cache_stats", `{}`)
	assert.Contains(t, res.Content[0].Text, "Hit rate: 75.0%")
}

func TestUnconfiguredAndUnknownTools(t *testing.T) {
	srv := New(Deps{}, "test")

	res := callTool(t, srv, "dwellwise_cache_stats", `{}`)
	assert.Equal(t, "Cache is not configured.", res.Content[0].Text)

	res = callTool(t, srv, "dwellwise_latest_artifact", `{"subject_id":"b","kind":"market_analysis"}`)
	assert.Equal(t, "Artifact store is not configured.", res.Content[0].Text)

	res = callTool(t, srv, "dwellwise_missing", `{}`)
	assert.True(t, res.IsError)
}
