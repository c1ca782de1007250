// Package lookup provides external data lookups used by conversation tools.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// defaultWeatherEndpoint is the Open-Meteo forecast API.
const defaultWeatherEndpoint = "https://api.open-meteo.com/v1/forecast"

// defaultTimeout bounds a single lookup request.
const defaultTimeout = 10 * time.Second

// WeatherReport is the current-conditions summary returned to tool handlers.
type WeatherReport struct {
	TemperatureC float64 `json:"temperature_c"`
	FeelsLikeC   float64 `json:"feels_like_c"`
	Description  string  `json:"description"`
	HumidityPct  float64 `json:"humidity_pct"`
	WindSpeedKmh float64 `json:"wind_speed_kmh"`
}

// WeatherClient queries the Open-Meteo forecast API for current conditions.
type WeatherClient struct {
	endpoint   string
	httpClient *http.Client
}

// WeatherOption configures a WeatherClient.
type WeatherOption func(*WeatherClient)

// WithWeatherEndpoint overrides the forecast endpoint, used in tests.
func WithWeatherEndpoint(endpoint string) WeatherOption {
	return func(c *WeatherClient) {
		c.endpoint = endpoint
	}
}

// WithWeatherTimeout overrides the per-request timeout.
func WithWeatherTimeout(timeout time.Duration) WeatherOption {
	return func(c *WeatherClient) {
		c.httpClient.Timeout = timeout
	}
}

// NewWeatherClient creates a weather lookup client.
func NewWeatherClient(opts ...WeatherOption) *WeatherClient {
	c := &WeatherClient{
		endpoint:   defaultWeatherEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// openMeteoResponse mirrors the subset of the forecast payload we read.
type openMeteoResponse struct {
	Current struct {
		Temperature2m       float64 `json:"temperature_2m"`
		ApparentTemperature float64 `json:"apparent_temperature"`
		RelativeHumidity2m  float64 `json:"relative_humidity_2m"`
		WindSpeed10m        float64 `json:"wind_speed_10m"`
		WeatherCode         int     `json:"weather_code"`
	} `json:"current"`
}

// Current fetches current conditions for the given coordinates. Transport
// failures and non-200 responses return an error; callers convert that into
// a user-facing fallback.
func (c *WeatherClient) Current(ctx context.Context, latitude, longitude float64) (*WeatherReport, error) {
	query := url.Values{}
	query.Set("latitude", fmt.Sprintf("%.4f", latitude))
	query.Set("longitude", fmt.Sprintf("%.4f", longitude))
	query.Set("current", "temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,weather_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build weather request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("WeatherClient.Current: request failed", "error", err)
		return nil, fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("WeatherClient.Current: unexpected status", "status", resp.StatusCode)
		return nil, fmt.Errorf("weather request returned status %d", resp.StatusCode)
	}

	var payload openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode weather response: %w", err)
	}

	report := &WeatherReport{
		TemperatureC: payload.Current.Temperature2m,
		FeelsLikeC:   payload.Current.ApparentTemperature,
		Description:  describeWeatherCode(payload.Current.WeatherCode),
		HumidityPct:  payload.Current.RelativeHumidity2m,
		WindSpeedKmh: payload.Current.WindSpeed10m,
	}
	slog.Debug("WeatherClient.Current: report fetched", "latitude", latitude, "longitude", longitude, "description", report.Description)
	return report, nil
}

// describeWeatherCode maps WMO weather codes to spoken descriptions.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code >= 1 && code <= 3:
		return "partly cloudy"
	case code == 45 || code == 48:
		return "foggy"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rainy"
	case code >= 71 && code <= 77:
		return "snowy"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code == 85 || code == 86:
		return "snow showers"
	case code == 95:
		return "thunderstorm"
	case code == 96 || code == 99:
		return "thunderstorm with hail"
	default:
		return "unknown conditions"
	}
}
