// Package graph is the Microsoft Graph calendar store: it creates, deletes
// and lists events in user mailboxes with application credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"calsync/internal/event"
	appLog "calsync/internal/log"
	"calsync/internal/reconcile"
)

const defaultScope = "https://graph.microsoft.com/.default"

// StatusError is a non-success Graph response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("graph %s %s: status %d: %s", e.Method, e.Path, e.Code, strings.TrimSpace(body))
}

// Options configures a Client.
type Options struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// BaseURL defaults to https://graph.microsoft.com/v1.0.
	BaseURL string
	// TokenURL defaults to the tenant's v2.0 token endpoint.
	TokenURL string
	Timeout  time.Duration
}

// Client talks to Graph. It implements reconcile.Remote and reconcile.Lister.
type Client struct {
	hc   *http.Client
	base string
}

var (
	_ reconcile.Remote = (*Client)(nil)
	_ reconcile.Lister = (*Client)(nil)
)

// New returns a Client authenticated with the OAuth2 client-credentials flow.
// ctx is used for token requests.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("graph: client id and secret are required")
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		if opts.TenantID == "" {
			return nil, errors.New("graph: tenant id is required")
		}
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(opts.TenantID) + "/oauth2/v2.0/token"
	}
	cc := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{defaultScope},
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
	hc := cc.Client(ctx)
	hc.Timeout = timeout
	return NewWithHTTPClient(opts.BaseURL, hc), nil
}

// NewWithHTTPClient wraps an already authenticated HTTP client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
	}
	return &Client{hc: hc, base: strings.TrimRight(baseURL, "/")}
}

func userPath(upn string, parts ...string) string {
	p := "/users/" + url.PathEscape(upn)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// do sends a request to path (relative to the base URL, or absolute for
// paging links) and returns the response body of a 2xx answer.
func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.base + path
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	reqID := uuid.NewString()
	req.Header.Set("client-request-id", reqID)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		appLog.Debug("graph request failed", "method", method, "status", resp.StatusCode, "client_request_id", reqID)
		return nil, &StatusError{Method: method, Path: req.URL.Path, Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

type dateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type recurrencePattern struct {
	Type           string   `json:"type"`
	Interval       int      `json:"interval"`
	DaysOfWeek     []string `json:"daysOfWeek"`
	FirstDayOfWeek string   `json:"firstDayOfWeek"`
}

type recurrenceRange struct {
	Type               string `json:"type"`
	StartDate          string `json:"startDate"`
	RecurrenceTimeZone string `json:"recurrenceTimeZone"`
}

type patternedRecurrence struct {
	Pattern recurrencePattern `json:"pattern"`
	Range   recurrenceRange   `json:"range"`
}

type eventResource struct {
	ID           string               `json:"id,omitempty"`
	Subject      string               `json:"subject"`
	Start        dateTimeZone         `json:"start"`
	End          dateTimeZone         `json:"end"`
	ShowAs       string               `json:"showAs,omitempty"`
	IsReminderOn bool                 `json:"isReminderOn"`
	Categories   []string             `json:"categories,omitempty"`
	Recurrence   *patternedRecurrence `json:"recurrence,omitempty"`
}

const graphDateTime = "2006-01-02T15:04:05"

func toResource(b event.Body) eventResource {
	res := eventResource{
		Subject:      b.Subject,
		Start:        dateTimeZone{DateTime: b.Start.Format(graphDateTime), TimeZone: b.TimeZone},
		End:          dateTimeZone{DateTime: b.End.Format(graphDateTime), TimeZone: b.TimeZone},
		ShowAs:       b.ShowAs,
		IsReminderOn: b.ReminderOn,
		Categories:   b.Categories,
	}
	if r := b.Recurrence; r != nil {
		res.Recurrence = &patternedRecurrence{
			Pattern: recurrencePattern{
				Type:           "weekly",
				Interval:       1,
				DaysOfWeek:     []string{strings.ToLower(r.Day.String())},
				FirstDayOfWeek: "monday",
			},
			Range: recurrenceRange{
				Type:               "noEnd",
				StartDate:          r.StartDate.String(),
				RecurrenceTimeZone: b.TimeZone,
			},
		}
	}
	return res
}

// Create posts a new event to the owner's default calendar.
func (c *Client) Create(ctx context.Context, owner string, body event.Body) (string, error) {
	data, err := c.do(ctx, http.MethodPost, userPath(owner, "events"), toResource(body))
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode created event: %w", err)
	}
	return created.ID, nil
}

// Delete removes an event. A 404 wraps reconcile.ErrGone.
func (c *Client) Delete(ctx context.Context, owner, externalID string) error {
	_, err := c.do(ctx, http.MethodDelete, userPath(owner, "calendar", "events", url.PathEscape(externalID)), nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %w", reconcile.ErrGone, err)
	}
	return err
}

type eventPage struct {
	Value []struct {
		ID      string `json:"id"`
		Subject string `json:"subject"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ListByPrefix returns the ids of the owner's events whose subject starts
// with prefix, following every result page. The prefix is also checked
// locally, so a server ignoring the filter cannot widen the result.
func (c *Client) ListByPrefix(ctx context.Context, owner, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, errors.New("graph: empty subject prefix")
	}
	q := url.Values{}
	q.Set("$filter", "startsWith(subject,'"+strings.ReplaceAll(prefix, "'", "''")+"')")
	q.Set("$select", "id,subject")
	q.Set("$top", "100")
	next := userPath(owner, "calendar", "events") + "?" + q.Encode()

	var ids []string
	for pages := 0; next != ""; pages++ {
		if pages >= 1000 {
			return nil, errors.New("graph: too many result pages")
		}
		data, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		var page eventPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode event page: %w", err)
		}
		for _, ev := range page.Value {
			if ev.ID != "" && strings.HasPrefix(ev.Subject, prefix) {
				ids = append(ids, ev.ID)
			}
		}
		next = page.NextLink
	}
	return ids, nil
}

type outlookCategory struct {
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// EnsureCategories creates the categories the owner's mailbox is missing and
// returns how many were created. Existing categories are left untouched.
func (c *Client) EnsureCategories(ctx context.Context, owner string, categories []event.Category) (int, error) {
	data, err := c.do(ctx, http.MethodGet, userPath(owner, "outlook", "masterCategories"), nil)
	if err != nil {
		return 0, err
	}
	var existing struct {
		Value []outlookCategory `json:"value"`
	}
	if err := json.Unmarshal(data, &existing); err != nil {
		return 0, fmt.Errorf("decode categories: %w", err)
	}
	have := make(map[string]bool, len(existing.Value))
	for _, cat := range existing.Value {
		have[cat.DisplayName] = true
	}

	created := 0
	var errs []error
	for _, cat := range categories {
		if have[cat.Name] {
			continue
		}
		_, err := c.do(ctx, http.MethodPost, userPath(owner, "outlook", "masterCategories"),
			outlookCategory{DisplayName: cat.Name, Color: cat.Color})
		if err != nil {
			errs = append(errs, fmt.Errorf("category %q: %w", cat.Name, err))
			continue
		}
		created++
	}
	if created > 0 {
		appLog.Info("created mailbox categories", "owner", owner, "count", created)
	}
	return created, errors.Join(errs...)
}
