// Package tracker implements the work-tracker client. The wire format
// is the GitHub REST v3 API; any tracker exposing the same surface
// works by pointing BaseURL at it.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/httpclient"
)

// ErrNotFound marks a missing issue, ref, or file.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx tracker response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker API error (HTTP %d): %s", e.StatusCode, e.Message)
}

type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	State  string   `json:"state"`
	Labels []Label  `json:"labels"`
	User   *Account `json:"user,omitempty"`
}

type Label struct {
	Name string `json:"name"`
}

type Account struct {
	Login string `json:"login"`
}

type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
}

type Repository struct {
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
}

type Client struct {
	baseURL    string
	token      string
	owner      string
	repo       string
	httpClient *httpclient.Client
}

func NewClient(cfg *config.TrackerConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("tracker config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		httpClient: httpclient.New(
			httpclient.WithTimeouts(httpclient.Timeouts{
				Connect: 10 * time.Second,
				Read:    60 * time.Second,
				Write:   30 * time.Second,
				Pool:    10 * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseRetryAfterHeaders),
		),
	}, nil
}

func (c *Client) Owner() string { return c.owner }
func (c *Client) Repo() string  { return c.repo }

func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number)
	if err := c.do(ctx, "GET", path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) CreateIssueComment(ctx context.Context, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, number)
	return c.do(ctx, "POST", path, map[string]interface{}{"body": body}, nil)
}

func (c *Client) GetRepository(ctx context.Context) (*Repository, error) {
	var repo Repository
	path := fmt.Sprintf("/repos/%s/%s", c.owner, c.repo)
	if err := c.do(ctx, "GET", path, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetRefSHA resolves a branch name to its head commit sha.
func (c *Client) GetRefSHA(ctx context.Context, branch string) (string, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", c.owner, c.repo, branch)
	if err := c.do(ctx, "GET", path, nil, &ref); err != nil {
		return "", err
	}
	return ref.Object.SHA, nil
}

// CreateBranch creates a branch pointing at the head of the base
// branch. A branch that already exists at the same commit is reused,
// so a retried trial does not fail on its own leftover ref.
func (c *Client) CreateBranch(ctx context.Context, name, base string) error {
	sha, err := c.GetRefSHA(ctx, base)
	if err != nil {
		return fmt.Errorf("failed to resolve base branch %s: %w", base, err)
	}

	path := fmt.Sprintf("/repos/%s/%s/git/refs", c.owner, c.repo)
	err = c.do(ctx, "POST", path, map[string]interface{}{
		"ref": "refs/heads/" + name,
		"sha": sha,
	}, nil)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		existing, refErr := c.GetRefSHA(ctx, name)
		if refErr == nil && existing == sha {
			return nil
		}
	}
	return err
}

// GetFileContent fetches a file from a branch via the contents API.
func (c *Client) GetFileContent(ctx context.Context, path, branch string) (string, string, error) {
	var file struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		SHA      string `json:"sha"`
	}
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", c.owner, c.repo, path, branch)
	if err := c.do(ctx, "GET", apiPath, nil, &file); err != nil {
		return "", "", err
	}

	if file.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(file.Content)
		if err != nil {
			return "", "", fmt.Errorf("failed to decode file content: %w", err)
		}
		return string(decoded), file.SHA, nil
	}
	return file.Content, file.SHA, nil
}

// PutFile creates or updates a file on a branch. The blob sha of the
// existing file is looked up first; the contents API requires it for
// updates.
func (c *Client) PutFile(ctx context.Context, path, branch, content, message string) error {
	payload := map[string]interface{}{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}

	if _, sha, err := c.GetFileContent(ctx, path, branch); err == nil && sha != "" {
		payload["sha"] = sha
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s", c.owner, c.repo, path)
	return c.do(ctx, "PUT", apiPath, payload, nil)
}

func (c *Client) CreatePullRequest(ctx context.Context, title, body, head, base string) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo)
	err := c.do(ctx, "POST", path, map[string]interface{}{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	var jsonData []byte
	if payload != nil {
		var err error
		jsonData, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if jsonData != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(jsonData)), nil
		}
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	// The retrying client returns both a response and an error for
	// non-2xx statuses; classify by status when a response exists.
	resp, err := c.httpClient.Do(req)
	if resp == nil {
		if err != nil {
			return fmt.Errorf("tracker request failed: %w", err)
		}
		return fmt.Errorf("tracker request failed: no response")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		message := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			message = apiErr.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
