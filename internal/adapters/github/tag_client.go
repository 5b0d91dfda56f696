// Package github implements the external tag system port against the
// GitHub Issues API. Tags map onto issue labels; the external_ref of an
// entity is the issue number within the configured repository.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/example/pipectl/internal/ports/secondary"
)

// attemptTimeout bounds every individual API call.
const attemptTimeout = 10 * time.Second

// TagClient implements secondary.TagClient using the go-github library.
type TagClient struct {
	client *gh.Client
	owner  string
	repo   string
}

// NewTagClient creates a TagClient for the given repository. If token is
// empty the client is unauthenticated (limited to 60 req/hour).
func NewTagClient(token, owner, repo string) *TagClient {
	var client *gh.Client
	if token != "" {
		client = gh.NewClient(nil).WithAuthToken(token)
	} else {
		client = gh.NewClient(nil)
	}
	return &TagClient{client: client, owner: owner, repo: repo}
}

// NewTagClientWithHTTPClient creates a TagClient with a custom HTTP client
// and base URL. This is primarily used for testing with httptest servers.
func NewTagClientWithHTTPClient(httpClient *http.Client, baseURL, owner, repo string) *TagClient {
	client := gh.NewClient(httpClient)
	if baseURL != "" {
		client, _ = client.WithEnterpriseURLs(baseURL, baseURL)
	}
	return &TagClient{client: client, owner: owner, repo: repo}
}

// AddTag ensures the label is present on the issue. GitHub treats adding an
// already-present label as a no-op, so idempotence comes for free.
func (c *TagClient) AddTag(ctx context.Context, externalRef, tag string) error {
	num, err := issueNumber(externalRef)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	_, resp, err := c.client.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, num, []string{tag})
	if err != nil {
		return classify(fmt.Sprintf("add label %q to issue %s", tag, externalRef), err, resp)
	}
	return nil
}

// RemoveTag ensures the label is absent from the issue. A 404 from the
// remove call means the label was not there; that satisfies the contract.
func (c *TagClient) RemoveTag(ctx context.Context, externalRef, tag string) error {
	num, err := issueNumber(externalRef)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	resp, err := c.client.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, num, tag)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classify(fmt.Sprintf("remove label %q from issue %s", tag, externalRef), err, resp)
	}
	return nil
}

// ListTags returns the issue's current label set.
func (c *TagClient) ListTags(ctx context.Context, externalRef string) ([]string, error) {
	num, err := issueNumber(externalRef)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	var tags []string
	opts := &gh.ListOptions{PerPage: 100}
	for {
		labels, resp, err := c.client.Issues.ListLabelsByIssue(ctx, c.owner, c.repo, num, opts)
		if err != nil {
			return nil, classify(fmt.Sprintf("list labels of issue %s", externalRef), err, resp)
		}
		for _, l := range labels {
			tags = append(tags, l.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return tags, nil
}

func issueNumber(externalRef string) (int, error) {
	num, err := strconv.Atoi(externalRef)
	if err != nil {
		return 0, fmt.Errorf("external_ref %q is not an issue number: %w", externalRef, err)
	}
	return num, nil
}

// classify wraps API failures with the port's retry-classification
// sentinels: rate limits, 5xx and network errors are transient; a missing
// issue is gone for good.
func classify(op string, err error, resp *gh.Response) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: rate limited: failed to %s: %v", secondary.ErrTransient, op, err)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return fmt.Errorf("%w: failed to %s: %v", secondary.ErrObjectGone, op, err)
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: failed to %s: %v", secondary.ErrTransient, op, err)
		}
		// Remaining 4xx (bad credentials, validation) are permanent.
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	// No response at all: network-level failure, worth retrying.
	return fmt.Errorf("%w: failed to %s: %v", secondary.ErrTransient, op, err)
}
