package gitlab_http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/redeploy/internal/domain"
)

// Client is a RevisionGate backed by GitLab: a ref is deployable when it
// resolves to a commit whose latest pipeline succeeded.
type Client struct {
	baseUrl   string
	token     string
	projectID int64
	hc        *http.Client
	maxWait   time.Duration
}

func New(baseUrl string, token string, projectID int64, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl:   trimSlash(baseUrl),
		token:     token,
		projectID: projectID,
		hc:        &http.Client{Transport: tr, Timeout: timeout},
		maxWait:   5 * time.Second,
	}
}

type commitDTO struct {
	ID string `json:"id"`
}

type pipelineDTO struct {
	ID     int64  `json:"id"`
	Ref    string `json:"ref"`
	SHA    string `json:"sha"`
	Status string `json:"status"`
	WebURL string `json:"web_url"`
}

func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	var commit commitDTO
	commitURL := fmt.Sprintf("%s/api/v4/projects/%d/repository/commits/%s",
		c.baseUrl, c.projectID, url.PathEscape(ref))
	if err := c.get(ctx, commitURL, &commit); err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	if commit.ID == "" {
		return "", fmt.Errorf("resolve %s: empty commit id", ref)
	}

	var list []pipelineDTO
	listURL := fmt.Sprintf("%s/api/v4/projects/%d/pipelines?sha=%s&per_page=1",
		c.baseUrl, c.projectID, url.QueryEscape(commit.ID))
	if err := c.get(ctx, listURL, &list); err != nil {
		return "", fmt.Errorf("pipelines for %s: %w", commit.ID, err)
	}

	if len(list) == 0 {
		return "", fmt.Errorf("%s (%s): no pipeline: %w", ref, short(commit.ID), domain.ErrRevisionRejected)
	}
	if p := list[0]; p.Status != "success" {
		return "", fmt.Errorf("%s (%s): pipeline #%d is %s %s: %w",
			ref, short(commit.ID), p.ID, p.Status, p.WebURL, domain.ErrRevisionRejected)
	}

	return commit.ID, nil
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	op := func() error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		req.Header.Set("PRIVATE-TOKEN", c.token)

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}

		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, _ := strconv.Atoi(ra); sec > 0 {
					select {
					case <-time.After(time.Duration(sec) * time.Second):
					case <-ctx.Done():
						return ctx.Err()
					}
					return fmt.Errorf("retry after due to 429")
				}
			}

			return fmt.Errorf("gitlab 429")
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("gitlab %s", resp.Status)
		}

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("gitlab %s: %w", resp.Status, domain.ErrNotFound))
		}

		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("gitlab %s", resp.Status))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = c.maxWait

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
