package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
)

// TrafficProvider returns the congestion level (1..5) at a coordinate.
type TrafficProvider interface {
	TrafficLevel(ctx context.Context, lat, lon float64) (int, error)
}

// AirQualityProvider returns the current AQI of a station, or nil when
// the station reports none.
type AirQualityProvider interface {
	AQI(ctx context.Context, stationID string) (*int, error)
}

// TomTomClient reads the Flow Segment Data API.
type TomTomClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewTomTomClient(baseURL, apiKey string, client *http.Client) *TomTomClient {
	return &TomTomClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: client}
}

type flowSegmentResponse struct {
	FlowSegmentData *struct {
		FreeFlowSpeed float64 `json:"freeFlowSpeed"`
		CurrentSpeed  float64 `json:"currentSpeed"`
	} `json:"flowSegmentData"`
}

func (c *TomTomClient) TrafficLevel(ctx context.Context, lat, lon float64) (int, error) {
	q := url.Values{}
	q.Set("point", fmt.Sprintf("%g,%g", lat, lon))
	q.Set("key", c.apiKey)
	endpoint := c.baseURL + "/traffic/services/4/flowSegmentData/absolute/10/json?" + q.Encode()

	var resp flowSegmentResponse
	if err := getJSON(ctx, c.http, endpoint, &resp); err != nil {
		metrics.ProviderRequests.WithLabelValues("tomtom", "error").Inc()
		return 0, fmt.Errorf("tomtom: %w", err)
	}
	metrics.ProviderRequests.WithLabelValues("tomtom", "ok").Inc()

	if resp.FlowSegmentData == nil {
		return classify.MinTrafficLevel, nil
	}
	return classify.TrafficLevel(resp.FlowSegmentData.FreeFlowSpeed, resp.FlowSegmentData.CurrentSpeed), nil
}

// AQICNClient reads the World Air Quality Index station feed.
type AQICNClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAQICNClient(baseURL, token string, client *http.Client) *AQICNClient {
	return &AQICNClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: client}
}

type feedResponse struct {
	Status string `json:"status"`
	Data   struct {
		AQI json.RawMessage `json:"aqi"`
	} `json:"data"`
}

func (c *AQICNClient) AQI(ctx context.Context, stationID string) (*int, error) {
	endpoint := c.baseURL + "/feed/" + url.PathEscape(stationID) + "/?token=" + url.QueryEscape(c.token)

	var resp feedResponse
	if err := getJSON(ctx, c.http, endpoint, &resp); err != nil {
		metrics.ProviderRequests.WithLabelValues("aqicn", "error").Inc()
		return nil, fmt.Errorf("aqicn: %w", err)
	}
	metrics.ProviderRequests.WithLabelValues("aqicn", "ok").Inc()

	if resp.Status != "ok" {
		return nil, nil
	}
	return parseAQI(resp.Data.AQI), nil
}

// parseAQI accepts a JSON number or numeric string; stations without a
// reading report "-", which maps to nil, as does anything off the scale.
func parseAQI(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return nil
		}
	}
	return classify.AQIReading(f)
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid response body: %w", err)
	}
	return nil
}
