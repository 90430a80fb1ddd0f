package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/taskweave/taskweave"
)

const (
	defaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL = "https://api.open-meteo.com/v1/forecast"
)

// WeatherProvider serves get_weather via the open-meteo APIs: geocode the
// city name, then fetch the current conditions at the resolved coordinates.
type WeatherProvider struct {
	client      *http.Client
	geocodeURL  string
	forecastURL string
}

// WeatherOption configures a WeatherProvider.
type WeatherOption func(*WeatherProvider)

// WithWeatherClient overrides the HTTP client.
func WithWeatherClient(client *http.Client) WeatherOption {
	return func(p *WeatherProvider) { p.client = client }
}

// WithWeatherURLs overrides the upstream endpoints.
func WithWeatherURLs(geocodeURL, forecastURL string) WeatherOption {
	return func(p *WeatherProvider) {
		p.geocodeURL = geocodeURL
		p.forecastURL = forecastURL
	}
}

// NewWeatherProvider creates a WeatherProvider.
func NewWeatherProvider(options ...WeatherOption) *WeatherProvider {
	p := &WeatherProvider{
		client:      newHTTPClient(),
		geocodeURL:  defaultGeocodeURL,
		forecastURL: defaultForecastURL,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

type geocodeResult struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Name        string  `json:"name"`
	CountryCode string  `json:"country_code"`
}

type geocodeResponse struct {
	Results []geocodeResult `json:"results"`
}

type forecastResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		Windspeed   float64 `json:"windspeed"`
	} `json:"current_weather"`
}

// Invoke implements taskweave.Provider.
func (p *WeatherProvider) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	if tool != "get_weather" {
		return nil, &taskweave.ProviderError{
			Code: "BAD_TOOL", Message: fmt.Sprintf("weather provider cannot serve tool '%s'", tool), Retryable: false,
		}
	}

	city, err := stringParam(params, "city")
	if err != nil {
		return nil, err
	}
	query := city
	if state := optionalString(params, "state", ""); state != "" {
		query += ", " + state
	}
	if country := optionalString(params, "country", ""); country != "" {
		query += ", " + country
	}

	loc, err := p.geocode(ctx, query)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, &taskweave.ProviderError{
			Code: "NOT_FOUND", Message: fmt.Sprintf("could not find '%s'", query), Retryable: false,
		}
	}

	forecast, err := p.forecast(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"city":        loc.Name,
		"country":     loc.CountryCode,
		"temperature": forecast.CurrentWeather.Temperature,
		"windspeed":   forecast.CurrentWeather.Windspeed,
	}, nil
}

// geocode resolves a place name to coordinates, retrying once with the
// name simplified to its first comma-separated segment.
func (p *WeatherProvider) geocode(ctx context.Context, name string) (*geocodeResult, error) {
	loc, err := p.geocodeOnce(ctx, name)
	if err != nil || loc != nil {
		return loc, err
	}

	simplified := strings.TrimSpace(strings.SplitN(name, ",", 2)[0])
	if simplified == name {
		return nil, nil
	}
	return p.geocodeOnce(ctx, simplified)
}

func (p *WeatherProvider) geocodeOnce(ctx context.Context, name string) (*geocodeResult, error) {
	u := fmt.Sprintf("%s?name=%s&count=1", p.geocodeURL, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, classifyHTTPError(err)
	}

	var out geocodeResponse
	if err := doJSON(p.client, req, &out); err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return nil, nil
	}
	return &out.Results[0], nil
}

func (p *WeatherProvider) forecast(ctx context.Context, lat, lon float64) (*forecastResponse, error) {
	u := fmt.Sprintf("%s?latitude=%v&longitude=%v&current_weather=true", p.forecastURL, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, classifyHTTPError(err)
	}

	var out forecastResponse
	if err := doJSON(p.client, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
