package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HistoryPoint is one numeric sample of an entity's state.
type HistoryPoint struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

type historyState struct {
	EntityID    string `json:"entity_id"`
	State       string `json:"state"`
	LastChanged string `json:"last_changed"`
}

// History fetches the numeric state history of one entity over the
// trailing window. Unavailable, unknown and non-numeric states are skipped.
func (c *Client) History(ctx context.Context, entityID string, window time.Duration) ([]HistoryPoint, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	end := time.Now().UTC()
	start := end.Add(-window)

	q := url.Values{}
	q.Set("filter_entity_id", entityID)
	q.Set("end_time", end.Format(time.RFC3339))
	u := fmt.Sprintf("%s/api/history/period/%s?%s", c.baseURL, url.PathEscape(start.Format(time.RFC3339)), q.Encode())

	resp, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history for %s: unexpected status code: %d", entityID, resp.StatusCode)
	}

	var series [][]historyState
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", entityID, err)
	}
	if len(series) == 0 {
		return []HistoryPoint{}, nil
	}
	return numericPoints(series[0]), nil
}

func numericPoints(states []historyState) []HistoryPoint {
	points := make([]HistoryPoint, 0, len(states))
	for _, s := range states {
		if s.State == "unavailable" || s.State == "unknown" {
			continue
		}
		v, err := strconv.ParseFloat(s.State, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, s.LastChanged)
		if err != nil {
			continue
		}
		points = append(points, HistoryPoint{Value: v, At: at})
	}
	return points
}
