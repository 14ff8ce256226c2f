// Package merge provides the post-pipeline merge client for autoloop.
//
// The orchestrator depends only on the Merger interface; the HTTP client
// implements the wire contract of the external merge endpoint.
package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Request describes one merge attempt.
type Request struct {
	ProjectPath  string  `json:"projectPath"`
	BranchName   string  `json:"branchName"`
	WorktreePath string  `json:"worktreePath,omitempty"`
	TargetBranch string  `json:"targetBranch"`
	Options      Options `json:"options"`
}

// Options are non-destructive merge options.
type Options struct {
	DeleteBranch   bool `json:"deleteBranch"`
	RemoveWorktree bool `json:"removeWorktree"`
	SquashMerge    bool `json:"squashMerge"`
}

// Result is the merge outcome.
type Result struct {
	Success      bool
	HasConflicts bool
	Error        string
}

// Merger performs the post-pipeline merge.
type Merger interface {
	Merge(ctx context.Context, req Request) (Result, error)
}

// HTTPMerger posts merge requests to the merge endpoint.
type HTTPMerger struct {
	url    string
	client *http.Client
}

// NewHTTPMerger creates a merge client for the given endpoint URL.
func NewHTTPMerger(url string) *HTTPMerger {
	return &HTTPMerger{
		url: url,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Merge posts the request and parses the response. An unparsable response is
// a fatal merge error, not a conflict.
func (m *HTTPMerger) Merge(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal merge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build merge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("post merge request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read merge response: %w", err)
	}

	return ParseResponse(raw)
}

// ParseResponse decodes a merge endpoint response body.
func ParseResponse(raw []byte) (Result, error) {
	if !gjson.ValidBytes(raw) {
		return Result{}, fmt.Errorf("unparsable merge response: %q", truncate(string(raw), 200))
	}

	parsed := gjson.ParseBytes(raw)
	if parsed.Type != gjson.JSON {
		return Result{}, fmt.Errorf("unparsable merge response: %q", truncate(string(raw), 200))
	}

	return Result{
		Success:      parsed.Get("success").Bool(),
		HasConflicts: parsed.Get("hasConflicts").Bool(),
		Error:        parsed.Get("error").String(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
