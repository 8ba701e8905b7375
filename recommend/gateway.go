// Package recommend coordinates recommendation jobs: it guards each
// room+task with a lease, runs the external recommendation gateway on a
// bounded worker pool, and publishes lifecycle updates while the run is
// in flight. Callers get a job id back immediately; everything after
// that is observed through status snapshots and the room event bus.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/jobstatus"
	"github.com/tripmesh/tripmesh/storage"
)

// Request is what a recommendation run sends to the gateway. Day is -1
// for whole-trip schedule requests and the target day for route
// requests.
type Request struct {
	RoomID string          `json:"roomId"`
	Task   jobstatus.Task  `json:"task"`
	Places []storage.Want  `json:"places"`
	Days   int             `json:"days"`
	Day    int             `json:"day"`
}

// Leg is one recommended stop within a day
type Leg struct {
	WantID        int64  `json:"wantId"`
	Order         int    `json:"order"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	Mode          string `json:"mode,omitempty"`
	TravelMinutes *int   `json:"nextTravelTime,omitempty"`
}

// DayPlan is the recommended ordering for one day
type DayPlan struct {
	Day  int    `json:"day"`
	Date string `json:"date,omitempty"`
	Legs []Leg  `json:"legs"`
}

// Result is the gateway's recommendation
type Result struct {
	Days []DayPlan `json:"days"`
}

// ProgressFunc receives coarse 0-100 completion reports during a run
type ProgressFunc func(percent int)

// Gateway produces recommendations. Implementations must honor ctx
// cancellation; the coordinator bounds every call with a hard timeout.
type Gateway interface {
	Recommend(ctx context.Context, req Request, progress ProgressFunc) (*Result, error)
}

// HTTPGateway calls a recommendation service over HTTP
type HTTPGateway struct {
	url    string
	client *http.Client
}

// NewHTTPGateway creates a gateway client for the given endpoint. The
// per-call deadline comes from the caller's context, not the client.
func NewHTTPGateway(url string) *HTTPGateway {
	return &HTTPGateway{
		url:    url,
		client: &http.Client{},
	}
}

// Recommend posts the request and decodes the recommendation
func (g *HTTPGateway) Recommend(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal gateway request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build gateway request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if progress != nil {
		progress(10)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(errors.ErrTimeout, "recommendation gateway timed out")
		}
		return nil, errors.Wrap(errors.ErrUpstream, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Wrapf(errors.ErrUpstream, "gateway returned %d: %s", resp.StatusCode, string(raw))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.ErrUpstream, "failed to decode gateway response: "+err.Error())
	}

	if progress != nil {
		progress(90)
	}
	return &result, nil
}
