package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWeatherClientCurrent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("latitude") != "32.1000" || query.Get("longitude") != "34.8000" {
			t.Errorf("unexpected coordinates: %s", r.URL.RawQuery)
		}
		if query.Get("current") == "" {
			t.Error("missing current fields parameter")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"current":{"temperature_2m":21.4,"apparent_temperature":20.1,"relative_humidity_2m":42,"wind_speed_10m":11.5,"weather_code":2}}`))
	}))
	defer server.Close()

	client := NewWeatherClient(WithWeatherEndpoint(server.URL))
	report, err := client.Current(context.Background(), 32.1, 34.8)
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}

	if report.TemperatureC != 21.4 {
		t.Errorf("TemperatureC = %v, want 21.4", report.TemperatureC)
	}
	if report.FeelsLikeC != 20.1 {
		t.Errorf("FeelsLikeC = %v, want 20.1", report.FeelsLikeC)
	}
	if report.Description != "partly cloudy" {
		t.Errorf("Description = %q, want partly cloudy", report.Description)
	}
	if report.HumidityPct != 42 {
		t.Errorf("HumidityPct = %v, want 42", report.HumidityPct)
	}
	if report.WindSpeedKmh != 11.5 {
		t.Errorf("WindSpeedKmh = %v, want 11.5", report.WindSpeedKmh)
	}
}

func TestWeatherClientNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewWeatherClient(WithWeatherEndpoint(server.URL))
	if _, err := client.Current(context.Background(), 0, 0); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestWeatherClientMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewWeatherClient(WithWeatherEndpoint(server.URL))
	if _, err := client.Current(context.Background(), 0, 0); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestWeatherClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewWeatherClient(WithWeatherEndpoint(server.URL))
	if _, err := client.Current(context.Background(), 0, 0); err == nil {
		t.Error("expected error for unreachable endpoint")
	}
}

func TestDescribeWeatherCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "clear sky"},
		{2, "partly cloudy"},
		{45, "foggy"},
		{53, "drizzle"},
		{63, "rainy"},
		{73, "snowy"},
		{81, "rain showers"},
		{86, "snow showers"},
		{95, "thunderstorm"},
		{99, "thunderstorm with hail"},
		{42, "unknown conditions"},
	}
	for _, tt := range tests {
		if got := describeWeatherCode(tt.code); got != tt.want {
			t.Errorf("describeWeatherCode(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
