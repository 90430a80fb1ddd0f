package providers

import (
	"github.com/taskweave/taskweave"
	"github.com/taskweave/taskweave/internal/registry"
)

// Provider names used in tool specs.
const (
	ProviderWeather = "weather"
	ProviderSearch  = "search"
	ProviderTracker = "tracker"
)

// RegisterDefaults registers the standard tool catalog.
func RegisterDefaults(reg *registry.Registry) error {
	specs := []registry.ToolSpec{
		{
			Name:        "get_weather",
			Category:    "weather",
			Description: "Get the current weather (temperature, windspeed) for a city.",
			Provider:    ProviderWeather,
			Params: []registry.ParamSpec{
				{Name: "city", Type: "string", Required: true, Description: "City name, e.g. 'Paris'"},
				{Name: "state", Type: "string", Description: "State or region, optional"},
				{Name: "country", Type: "string", Description: "Country name or code, optional"},
			},
		},
		{
			Name:        "tavily_search",
			Category:    "search",
			Description: "Search the web and return ranked results.",
			Provider:    ProviderSearch,
			Params: []registry.ParamSpec{
				{Name: "query", Type: "string", Required: true, Description: "Search query text"},
				{Name: "max_results", Type: "number", Default: 10, Description: "Maximum number of results"},
			},
		},
		{
			Name:        "create_issue",
			Category:    "tracker",
			Description: "Create an issue in a repository.",
			Provider:    ProviderTracker,
			Params: []registry.ParamSpec{
				{Name: "owner", Type: "string", Required: true, Description: "Repository owner"},
				{Name: "repo", Type: "string", Required: true, Description: "Repository name"},
				{Name: "title", Type: "string", Required: true, Description: "Issue title"},
				{Name: "body", Type: "string", Description: "Issue body, optional"},
			},
		},
		{
			Name:        "list_issues",
			Category:    "tracker",
			Description: "List issues in a repository.",
			Provider:    ProviderTracker,
			Params: []registry.ParamSpec{
				{Name: "owner", Type: "string", Required: true, Description: "Repository owner"},
				{Name: "repo", Type: "string", Required: true, Description: "Repository name"},
				{Name: "state", Type: "string", Default: "all", Description: "Issue state filter: open, closed or all"},
				{Name: "perPage", Type: "number", Default: 100, Description: "Page size"},
			},
		},
		{
			Name:        "get_file_contents",
			Category:    "tracker",
			Description: "Fetch a file's contents from a repository.",
			Provider:    ProviderTracker,
			Params: []registry.ParamSpec{
				{Name: "owner", Type: "string", Required: true, Description: "Repository owner"},
				{Name: "repo", Type: "string", Required: true, Description: "Repository name"},
				{Name: "path", Type: "string", Required: true, Description: "File path within the repository"},
			},
		},
	}

	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// DefaultProviders builds the provider map for the standard catalog.
func DefaultProviders(searchAPIKey, trackerToken string) map[string]taskweave.Provider {
	return map[string]taskweave.Provider{
		ProviderWeather: NewWeatherProvider(),
		ProviderSearch:  NewSearchProvider(searchAPIKey),
		ProviderTracker: NewTrackerProvider(WithTrackerToken(trackerToken)),
	}
}
