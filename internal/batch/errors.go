package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/metasyncd/internal/remote"
)

// ErrPayloadTooLarge is wrapped by PayloadTooLargeError.
var ErrPayloadTooLarge = errors.New("payload too large")

// PayloadTooLargeError reports a chunk that cannot fit into a single call.
// It is not retryable: the chunk cannot be split any further.
type PayloadTooLargeError struct {
	Size   int
	Nodes  int
	Budget int
	Limit  int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s: chunk of %d nodes and %d bytes exceeds budget of %d bytes and %d nodes",
		ErrPayloadTooLarge, e.Nodes, e.Size, e.Budget, e.Limit)
}

func (e *PayloadTooLargeError) Unwrap() error {
	return ErrPayloadTooLarge
}

// Pair is one sub-request and the response the remote returned for it.
type Pair struct {
	Request  remote.Node
	Response remote.NodeResponse
}

// GraphFailure lists every sub-request of a graph that was rolled back.
type GraphFailure struct {
	GraphID string
	Pairs   []Pair
}

// GraphError is returned when at least one graph of a call failed.
type GraphError struct {
	Failures []GraphFailure
}

func (e *GraphError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d composite graph(s) failed", len(e.Failures))
	for _, f := range e.Failures {
		for _, p := range f.Pairs {
			if p.Response.HTTPStatusCode < 300 {
				continue
			}
			fmt.Fprintf(&b, "; graph %s %s %s [%s]: %d %s",
				f.GraphID, p.Request.Method, p.Request.URL, p.Request.ReferenceID,
				p.Response.HTTPStatusCode, strings.TrimSpace(string(p.Response.Body)))
		}
	}
	return b.String()
}

// Is matches remote.ErrRateLimited when a rolled back node was refused by
// the remote's request limits, so the run backs off instead of failing.
func (e *GraphError) Is(target error) bool {
	if target != remote.ErrRateLimited {
		return false
	}
	for _, f := range e.Failures {
		for _, p := range f.Pairs {
			if p.Response.HTTPStatusCode >= 300 && remote.IsLimitResponse(p.Response.HTTPStatusCode, p.Response.Body) {
				return true
			}
		}
	}
	return false
}

// newGraphError pairs the requests of every failed graph with their responses.
func newGraphError(req remote.GraphRequest, resp *remote.GraphResponse) *GraphError {
	requests := make(map[string]remote.Graph, len(req.Graphs))
	for _, g := range req.Graphs {
		requests[g.GraphID] = g
	}

	var ge GraphError
	for _, result := range resp.Graphs {
		if result.IsSuccessful {
			continue
		}
		byRef := make(map[string]remote.NodeResponse)
		for _, r := range result.GraphResponse.CompositeResponse {
			byRef[r.ReferenceID] = r
		}
		failure := GraphFailure{GraphID: result.GraphID}
		for _, node := range requests[result.GraphID].CompositeRequest {
			failure.Pairs = append(failure.Pairs, Pair{Request: node, Response: byRef[node.ReferenceID]})
		}
		ge.Failures = append(ge.Failures, failure)
	}
	if len(ge.Failures) == 0 {
		return nil
	}
	return &ge
}
