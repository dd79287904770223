package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIVersion is the REST API version used when none is configured.
const DefaultAPIVersion = "60.0"

// APIError is a non-success response of the REST API.
type APIError struct {
	StatusCode int
	Errors     []APIErrorDetail
}

// APIErrorDetail is one entry of an error response body.
type APIErrorDetail struct {
	Message   string   `json:"message"`
	ErrorCode string   `json:"errorCode"`
	Fields    []string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		msgs = append(msgs, d.ErrorCode+": "+d.Message)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, strings.Join(msgs, "; "))
}

// Client implements Store against the REST API of the remote org.
type Client struct {
	baseURL    string
	apiVersion string
	token      string
	http       *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST client. A nil httpClient uses a client with a
// generous timeout suitable for composite graph calls.
func NewClient(instanceURL, apiVersion, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(instanceURL, "/"),
		apiVersion: apiVersion,
		token:      token,
		http:       httpClient,
		logger:     logger,
	}
}

var _ Store = (*Client)(nil)

// QueryComponents returns the component records of the target branch stored
// under the given file names.
func (c *Client) QueryComponents(ctx context.Context, target Target, fileNames []string) ([]ComponentRecord, error) {
	if len(fileNames) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(fileNames))
	for i, n := range fileNames {
		quoted[i] = quote(n)
	}
	soql := fmt.Sprintf(
		"SELECT Id, Name, Type__c, File_Name__c, Fingerprint__c, Version__c FROM %s WHERE Branch__c = %s AND File_Name__c IN (%s)",
		ObjectComponent, quote(target.BranchID), strings.Join(quoted, ", "))

	var records []ComponentRecord
	err := c.query(ctx, soql, func(raw json.RawMessage) error {
		var r struct {
			ComponentRecord
			Version float64 `json:"Version__c"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		r.ComponentRecord.Version = int(r.Version)
		records = append(records, r.ComponentRecord)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query components: %w", err)
	}
	return records, nil
}

// SubmitGraphs posts one composite graph call.
func (c *Client) SubmitGraphs(ctx context.Context, req GraphRequest) (*GraphResponse, error) {
	var resp GraphResponse
	path := fmt.Sprintf("/services/data/v%s/composite/graph", c.apiVersion)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("composite graph call failed: %w", err)
	}
	return &resp, nil
}

// ComponentBody downloads the archive attached to the newest history entry
// of a component.
func (c *Client) ComponentBody(ctx context.Context, componentID string) ([]byte, error) {
	var historyID string
	soql := fmt.Sprintf("SELECT Id FROM %s WHERE Metadata__c = %s ORDER BY Version__c DESC LIMIT 1",
		ObjectHistory, quote(componentID))
	err := c.query(ctx, soql, func(raw json.RawMessage) error {
		var r struct {
			ID string `json:"Id"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		historyID = r.ID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", componentID, err)
	}
	if historyID == "" {
		return nil, fmt.Errorf("component %s has no history", componentID)
	}

	var versionID string
	soql = fmt.Sprintf("SELECT Id FROM %s WHERE FirstPublishLocationId = %s ORDER BY CreatedDate DESC LIMIT 1",
		ObjectAttachment, quote(historyID))
	err = c.query(ctx, soql, func(raw json.RawMessage) error {
		var r struct {
			ID string `json:"Id"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		versionID = r.ID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query attachment of %s: %w", componentID, err)
	}
	if versionID == "" {
		return nil, fmt.Errorf("component %s has no attachment", componentID)
	}

	return c.download(ctx, SObjectPath(c.apiVersion, ObjectAttachment, versionID)+"/VersionData")
}

// Checkpoint reads the checkpoint stored on the branch record.
func (c *Client) Checkpoint(ctx context.Context, target Target) (Checkpoint, error) {
	var fields BranchFields
	path := SObjectPath(c.apiVersion, ObjectBranch, target.BranchID) + "?fields=Checkpoint__c"
	if err := c.do(ctx, http.MethodGet, path, nil, &fields); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return DecodeCheckpoint(fields.Checkpoint)
}

// SaveCheckpoint stores cp on the branch record. An empty checkpoint clears it.
func (c *Client) SaveCheckpoint(ctx context.Context, target Target, cp Checkpoint) error {
	encoded, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	if err := c.Patch(ctx, ObjectBranch, target.BranchID, map[string]any{"Checkpoint__c": encoded}); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// SetStatus records the sync status on the branch record.
func (c *Client) SetStatus(ctx context.Context, target Target, status Status, message string) error {
	fields := map[string]any{"Status__c": status, "Status_Message__c": message}
	if err := c.Patch(ctx, ObjectBranch, target.BranchID, fields); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// AppendLog stores log lines as one log record of the branch.
func (c *Client) AppendLog(ctx context.Context, target Target, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	_, err := c.Create(ctx, ObjectLog, map[string]any{
		"Branch__c":  target.BranchID,
		"Message__c": strings.Join(lines, "\n"),
	})
	return err
}

// Create inserts one record and returns its id.
func (c *Client) Create(ctx context.Context, object string, fields any) (string, error) {
	var resp struct {
		ID      string           `json:"id"`
		Success bool             `json:"success"`
		Errors  []APIErrorDetail `json:"errors"`
	}
	if err := c.do(ctx, http.MethodPost, SObjectPath(c.apiVersion, object, ""), fields, &resp); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", object, err)
	}
	if !resp.Success {
		return "", &APIError{StatusCode: http.StatusBadRequest, Errors: resp.Errors}
	}
	return resp.ID, nil
}

// Patch updates fields of one record.
func (c *Client) Patch(ctx context.Context, object, id string, fields any) error {
	if err := c.do(ctx, http.MethodPatch, SObjectPath(c.apiVersion, object, id), fields, nil); err != nil {
		return fmt.Errorf("failed to update %s %s: %w", object, id, err)
	}
	return nil
}

// Delete removes one record.
func (c *Client) Delete(ctx context.Context, object, id string) error {
	if err := c.do(ctx, http.MethodDelete, SObjectPath(c.apiVersion, object, id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", object, id, err)
	}
	return nil
}

// query runs a SOQL query and calls fn for every record, following
// nextRecordsUrl until the result is done.
func (c *Client) query(ctx context.Context, soql string, fn func(json.RawMessage) error) error {
	path := fmt.Sprintf("/services/data/v%s/query?q=%s", c.apiVersion, url.QueryEscape(soql))
	for path != "" {
		var page struct {
			Done           bool              `json:"done"`
			NextRecordsURL string            `json:"nextRecordsUrl"`
			Records        []json.RawMessage `json:"records"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return err
		}
		for _, r := range page.Records {
			if err := fn(r); err != nil {
				return fmt.Errorf("failed to decode record: %w", err)
			}
		}
		path = ""
		if !page.Done {
			path = page.NextRecordsURL
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := checkResponse(resp, data); err != nil {
		return err
	}

	c.logger.Debug("remote call", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(data))
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	if err := checkResponse(resp, data); err != nil {
		return nil, err
	}
	return data, nil
}

// checkResponse maps error responses to APIError or RateLimitError.
func checkResponse(resp *http.Response, data []byte) error {
	if resp.StatusCode < 300 {
		return nil
	}

	if IsLimitResponse(resp.StatusCode, data) {
		rl := &RateLimitError{Message: strings.TrimSpace(string(data))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			rl.RetryAfter = time.Duration(secs) * time.Second
		}
		return rl
	}
	var details []APIErrorDetail
	_ = json.Unmarshal(data, &details)
	return &APIError{StatusCode: resp.StatusCode, Errors: details}
}

// quote renders s as a SOQL string literal.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}
