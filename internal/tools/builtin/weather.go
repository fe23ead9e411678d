package builtin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ashureev/pte-agent/internal/tools"
)

type openWeatherResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

func newWeather(deps Deps) (tools.Tool, error) {
	if deps.OpenWeatherAPIKey == "" {
		return nil, tools.ErrNotConfigured
	}
	return tools.New(tools.MustBuiltin("get_weather"), func(ctx context.Context, in tools.Input) (string, error) {
		city := strings.TrimSpace(in.String("city"))
		if city == "" {
			return "", errors.New("city is empty")
		}

		q := url.Values{}
		q.Set("q", city)
		q.Set("appid", deps.OpenWeatherAPIKey)
		q.Set("units", "metric")
		q.Set("lang", "kr")

		var resp openWeatherResponse
		if err := getJSON(ctx, deps.HTTPClient, "openweather", deps.Endpoints.OpenWeather+"?"+q.Encode(), &resp); err != nil {
			return "", fmt.Errorf("weather lookup for %s failed: %w", city, err)
		}
		if len(resp.Weather) == 0 {
			return "", fmt.Errorf("weather lookup for %s returned no conditions", city)
		}
		return fmt.Sprintf("%s weather: %s, %.1f°C (feels like %.1f°C), humidity %d%%, wind %.1f m/s",
			city, resp.Weather[0].Description, resp.Main.Temp, resp.Main.FeelsLike, resp.Main.Humidity, resp.Wind.Speed), nil
	}), nil
}
