package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/schaermu/metasyncd/internal/remote"
)

var refPattern = regexp.MustCompile(`@\{([^}.]+)\.id\}`)

// nodeError is the error body reported for a failed node.
type nodeError struct {
	status int
	code   string
	msg    string
}

func (e *nodeError) Error() string {
	return e.code + ": " + e.msg
}

// SubmitGraphs executes every graph in its own transaction. A failing node
// rolls back its graph; the remaining nodes report PROCESSING_HALTED.
func (s *Store) SubmitGraphs(ctx context.Context, req remote.GraphRequest) (*remote.GraphResponse, error) {
	resp := &remote.GraphResponse{Graphs: make([]remote.GraphResult, 0, len(req.Graphs))}
	for _, g := range req.Graphs {
		result, err := s.runGraph(ctx, g)
		if err != nil {
			return nil, err
		}
		resp.Graphs = append(resp.Graphs, result)
	}
	return resp, nil
}

func (s *Store) runGraph(ctx context.Context, g remote.Graph) (remote.GraphResult, error) {
	result := remote.GraphResult{GraphID: g.GraphID}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	refs := make(map[string]string)
	responses := make([]remote.NodeResponse, 0, len(g.CompositeRequest))
	failed := -1
	for i, node := range g.CompositeRequest {
		status, body, err := s.runNode(ctx, tx, node, refs)
		if err != nil {
			var ne *nodeError
			if !errors.As(err, &ne) {
				return result, err
			}
			failed = i
			responses = append(responses, errorResponse(node.ReferenceID, ne))
			break
		}
		responses = append(responses, remote.NodeResponse{
			Body:           body,
			HTTPStatusCode: status,
			ReferenceID:    node.ReferenceID,
		})
	}

	if failed >= 0 {
		halted := &nodeError{status: http.StatusBadRequest, code: "PROCESSING_HALTED", msg: "graph rolled back"}
		for i := range responses[:failed] {
			responses[i] = errorResponse(responses[i].ReferenceID, halted)
		}
		for _, node := range g.CompositeRequest[failed+1:] {
			responses = append(responses, errorResponse(node.ReferenceID, halted))
		}
		result.GraphResponse.CompositeResponse = responses
		return result, nil
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit graph %s: %w", g.GraphID, err)
	}
	result.IsSuccessful = true
	result.GraphResponse.CompositeResponse = responses
	return result, nil
}

func (s *Store) runNode(ctx context.Context, tx execer, node remote.Node, refs map[string]string) (int, json.RawMessage, error) {
	url, err := resolveRefs(node.URL, refs)
	if err != nil {
		return 0, nil, err
	}
	object, id, err := parseSObjectURL(url)
	if err != nil {
		return 0, nil, err
	}

	var fields map[string]any
	if len(node.Body) > 0 {
		raw, err := resolveRefs(string(node.Body), refs)
		if err != nil {
			return 0, nil, err
		}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return 0, nil, &nodeError{status: http.StatusBadRequest, code: "JSON_PARSER_ERROR", msg: err.Error()}
		}
	}

	switch node.Method {
	case http.MethodPost:
		if id != "" {
			return 0, nil, &nodeError{status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED", msg: "POST on a record"}
		}
		newID, err := s.insert(ctx, tx, object, fields)
		if err != nil {
			return 0, nil, err
		}
		refs[node.ReferenceID] = newID
		body, _ := json.Marshal(map[string]any{"id": newID, "success": true, "errors": []any{}})
		return http.StatusCreated, body, nil
	case http.MethodPatch:
		if err := s.patch(ctx, tx, object, id, fields); err != nil {
			return 0, nil, notFound(err)
		}
		refs[node.ReferenceID] = id
		return http.StatusNoContent, nil, nil
	case http.MethodDelete:
		if err := s.remove(ctx, tx, object, id); err != nil {
			return 0, nil, notFound(err)
		}
		return http.StatusNoContent, nil, nil
	default:
		return 0, nil, &nodeError{status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED", msg: node.Method}
	}
}

func notFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return &nodeError{status: http.StatusNotFound, code: "NOT_FOUND", msg: err.Error()}
	}
	return err
}

// resolveRefs substitutes "@{ref.id}" placeholders with ids created earlier
// in the same graph.
func resolveRefs(s string, refs map[string]string) (string, error) {
	var missing string
	out := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := refPattern.FindStringSubmatch(m)[1]
		id, ok := refs[name]
		if !ok {
			missing = name
			return m
		}
		return id
	})
	if missing != "" {
		return "", &nodeError{status: http.StatusBadRequest, code: "INVALID_REFERENCE", msg: "unresolved reference " + missing}
	}
	return out, nil
}

// parseSObjectURL splits "/services/data/vNN.N/sobjects/<object>/[<id>]".
func parseSObjectURL(url string) (string, string, error) {
	_, rest, ok := strings.Cut(url, "/sobjects/")
	if !ok {
		return "", "", &nodeError{status: http.StatusNotFound, code: "NOT_FOUND", msg: "unsupported url " + url}
	}
	object, id, _ := strings.Cut(strings.TrimSuffix(rest, "/"), "/")
	if object == "" {
		return "", "", &nodeError{status: http.StatusNotFound, code: "NOT_FOUND", msg: "missing object in " + url}
	}
	return object, id, nil
}

func errorResponse(ref string, e *nodeError) remote.NodeResponse {
	body, _ := json.Marshal([]map[string]string{{"errorCode": e.code, "message": e.msg}})
	return remote.NodeResponse{Body: body, HTTPStatusCode: e.status, ReferenceID: ref}
}
