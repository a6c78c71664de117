package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwellwise/dwellwise/pkg/config"
)

func providers() []config.ProviderConfig {
	return []config.ProviderConfig{
		{Name: "primary", URL: "https://api.example.com", APIKey: "sk-1"},
		{Name: "backup", URL: "https://api.anthropic.com", APIKey: "sk-2", Type: "anthropic"},
	}
}

func TestResolveNoRoutesTriesEveryProvider(t *testing.T) {
	r := New(&config.Config{Providers: providers()})

	routes, err := r.Resolve("analysis-large")
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "primary/analysis-large", routes[0].String())
	assert.Equal(t, "backup/analysis-large", routes[1].String())
	assert.Equal(t, "openai", routes[0].Type())
	assert.Equal(t, "anthropic", routes[1].Type())
}

func TestResolveAlias(t *testing.T) {
	r := New(&config.Config{
		Providers: providers(),
		Router: config.RouterConfig{Routes: []config.RouteConfig{{
			Model: "fast",
			Targets: []config.RouteTarget{
				{Provider: "backup", Model: "claude-haiku-4-5"},
				{Provider: "primary", Model: "small"},
			},
		}}},
	})

	routes, err := r.Resolve("fast")
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "backup", routes[0].Provider.Name)
	assert.Equal(t, "claude-haiku-4-5", routes[0].Model)
	assert.Equal(t, "small", routes[1].Model)
}

func TestResolveEmptyModel(t *testing.T) {
	r := New(&config.Config{
		Providers:  providers(),
		Generation: config.GenerationConfig{Model: "analysis"},
		Router: config.RouterConfig{Routes: []config.RouteConfig{{
			Model:   "analysis",
			Targets: []config.RouteTarget{{Provider: "primary"}},
		}}},
	})

	routes, err := r.Resolve("")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "analysis", routes[0].Model, "target without model keeps the alias")
}

func TestResolveSkipsUnknownProvider(t *testing.T) {
	r := New(&config.Config{
		Providers: providers(),
		Router: config.RouterConfig{Routes: []config.RouteConfig{{
			Model: "fast",
			Targets: []config.RouteTarget{
				{Provider: "unknown", Model: "x"},
				{Provider: "primary", Model: "small"},
			},
		}}},
	})

	routes, err := r.Resolve("fast")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "primary", routes[0].Provider.Name)
}

func TestResolveAllUnknownProviders(t *testing.T) {
	r := New(&config.Config{
		Providers: providers(),
		Router: config.RouterConfig{Routes: []config.RouteConfig{{
			Model:   "bad",
			Targets: []config.RouteTarget{{Provider: "unknown", Model: "x"}},
		}}},
	})
	_, err := r.Resolve("bad")
	assert.Error(t, err)
}

func TestResolveNoProviders(t *testing.T) {
	_, err := New(&config.Config{}).Resolve("any")
	assert.ErrorIs(t, err, ErrNoProviders)
}
