// Package remote defines the record store the agent synchronizes with and
// the composite graph wire format used to write to it.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Object names of the remote schema.
const (
	ObjectComponent  = "Metadata__c"
	ObjectHistory    = "Metadata_History__c"
	ObjectAttachment = "ContentVersion"
	ObjectLink       = "Commit_Metadata__c"
	ObjectBranch     = "Branch__c"
	ObjectLog        = "Sync_Log__c"
)

// Status is the synchronization state recorded on a branch
type Status string

const (
	StatusNotSynchronized Status = "NotSynchronized"
	StatusWaiting         Status = "Waiting"
	StatusInProgress      Status = "InProgress"
	StatusCompleted       Status = "Completed"
	StatusError           Status = "Error"
	StatusForceSync       Status = "ForceSync"
)

// ErrRateLimited is wrapped by RateLimitError.
var ErrRateLimited = errors.New("remote rate limit exceeded")

// RateLimitError reports that the remote refused a request because of its
// request limits.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s: %s", ErrRateLimited, e.Message)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// LimitExceededCode is the error code of responses refused by request limits.
const LimitExceededCode = "REQUEST_LIMIT_EXCEEDED"

// IsLimitResponse reports whether a response status and its error body
// signal a rate limit. Composite graph nodes report limits this way too.
func IsLimitResponse(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	var details []struct {
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &details); err != nil {
		return false
	}
	for _, d := range details {
		if d.ErrorCode == LimitExceededCode {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether err signals a remote rate limit.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// Target identifies the branch record a run synchronizes.
type Target struct {
	RepositoryID string `json:"repository_id"`
	BranchID     string `json:"branch_id"`
	Branch       string `json:"branch"`
	Connection   string `json:"connection"`
}

// ComponentRecord is metadata previously stored for a component
type ComponentRecord struct {
	ID          string `json:"Id"`
	Name        string `json:"Name"`
	Type        string `json:"Type__c"`
	FileName    string `json:"File_Name__c"`
	Fingerprint string `json:"Fingerprint__c"`
	Version     int    `json:"Version__c"`
}

// Checkpoint maps a clone URL to the last commit applied from it.
type Checkpoint map[string]string

// Node is one sub-request of a composite graph. Later nodes address the id
// created by an earlier node with "@{referenceId.id}".
type Node struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	ReferenceID string          `json:"referenceId"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Graph is a set of nodes applied atomically.
type Graph struct {
	GraphID          string `json:"graphId"`
	CompositeRequest []Node `json:"compositeRequest"`
}

// GraphRequest is the payload of one composite graph call.
type GraphRequest struct {
	Graphs []Graph `json:"graphs"`
}

// NodeResponse is the result of one node.
type NodeResponse struct {
	Body           json.RawMessage   `json:"body"`
	HTTPHeaders    map[string]string `json:"httpHeaders,omitempty"`
	HTTPStatusCode int               `json:"httpStatusCode"`
	ReferenceID    string            `json:"referenceId"`
}

// GraphResult is the outcome of one graph.
type GraphResult struct {
	GraphID       string `json:"graphId"`
	IsSuccessful  bool   `json:"isSuccessful"`
	GraphResponse struct {
		CompositeResponse []NodeResponse `json:"compositeResponse"`
	} `json:"graphResponse"`
}

// GraphResponse is the response of one composite graph call.
type GraphResponse struct {
	Graphs []GraphResult `json:"graphs"`
}

// CreatedID extracts the id from a successful create response body.
func (r NodeResponse) CreatedID() string {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.ID
}

// Store is the remote record store
type Store interface {
	// QueryComponents returns the component records of a branch stored
	// under any of the given file names.
	QueryComponents(ctx context.Context, target Target, fileNames []string) ([]ComponentRecord, error)

	// SubmitGraphs applies one composite graph call.
	SubmitGraphs(ctx context.Context, req GraphRequest) (*GraphResponse, error)

	// ComponentBody returns the zip archive attached to the latest
	// history entry of a component.
	ComponentBody(ctx context.Context, componentID string) ([]byte, error)

	// Checkpoint returns the stored checkpoint of a branch.
	Checkpoint(ctx context.Context, target Target) (Checkpoint, error)

	// SaveCheckpoint replaces the checkpoint of a branch.
	SaveCheckpoint(ctx context.Context, target Target, cp Checkpoint) error

	// SetStatus records the sync status of a branch.
	SetStatus(ctx context.Context, target Target, status Status, message string) error

	// AppendLog adds progress lines to the branch log.
	AppendLog(ctx context.Context, target Target, lines []string) error
}
