// Package query builds the JSON-serializable response envelope consumed
// by the external graphing application. It wraps store.GetMetric; it
// does not add an HTTP surface.
package query

import (
	jsoniter "github.com/json-iterator/go"

	"smalltsdb/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MetricResponse is the wire shape returned to the graphing application
// for one (path, period, stat) query.
type MetricResponse struct {
	Path   string    `json:"path"`
	Period string    `json:"period"`
	Stat   string    `json:"stat"`
	From   *float64  `json:"from,omitempty"`
	To     *float64  `json:"to,omitempty"`
	Series []float64 `json:"series"`
	Times  []float64 `json:"times"`
}

// Fetch runs store.GetMetric and shapes the result into a MetricResponse.
func Fetch(s *store.Store, path, period, stat string, start, end *float64) (MetricResponse, error) {
	points, err := s.GetMetric(path, period, stat, start, end)
	if err != nil {
		return MetricResponse{}, err
	}
	resp := MetricResponse{
		Path:   path,
		Period: period,
		Stat:   stat,
		From:   start,
		To:     end,
		Series: make([]float64, len(points)),
		Times:  make([]float64, len(points)),
	}
	for i, p := range points {
		resp.Times[i] = p.Timestamp
		resp.Series[i] = p.Value
	}
	return resp, nil
}

// Marshal renders a MetricResponse as JSON.
func Marshal(resp MetricResponse) ([]byte, error) {
	return json.Marshal(resp)
}
