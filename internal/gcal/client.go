package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

// Options configures a Client.
type Options struct {
	OAuth  *oauth2.Config
	Tokens *TokenStore

	// Endpoint overrides the API base URL.
	Endpoint string

	// HTTPClient, if set, is used for every user without OAuth. Tests point
	// it at an httptest server.
	HTTPClient *http.Client

	MaxResults int64

	// MaxInstances caps events.instances expansion per base event.
	MaxInstances int
}

// Client implements Provider over calendar/v3.
type Client struct {
	opts Options
}

var _ Provider = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 1000
	}
	return &Client{opts: opts}
}

func (c *Client) service(ctx context.Context, userID string) (*calendar.Service, error) {
	var opts []option.ClientOption
	if c.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.opts.Endpoint))
	}
	switch {
	case c.opts.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(c.opts.HTTPClient))
	case c.opts.OAuth != nil && c.opts.Tokens != nil:
		ts, err := c.opts.Tokens.TokenSource(ctx, c.opts.OAuth, userID)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	default:
		return nil, fmt.Errorf("gcal: no credentials configured")
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

func (c *Client) ListEvents(ctx context.Context, userID string, req ListRequest) (*Page, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, classify("list events", err, syncerr.KindProviderFetch)
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = c.opts.MaxResults
	}
	call := svc.Events.List(req.CalendarID).
		Context(ctx).
		MaxResults(maxResults).
		SingleEvents(req.SingleEvents)
	switch {
	case req.PageToken != "":
		call = call.PageToken(req.PageToken)
	case req.SyncToken != "":
		call = call.SyncToken(req.SyncToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, classify("list events", err, syncerr.KindProviderFetch)
	}
	return &Page{
		Items:         res.Items,
		NextPageToken: res.NextPageToken,
		NextSyncToken: res.NextSyncToken,
	}, nil
}

func (c *Client) Instances(ctx context.Context, userID, calendarID, eventID string) ([]*calendar.Event, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, classify("list instances", err, syncerr.KindProviderFetch)
	}
	var out []*calendar.Event
	errCapped := errors.New("instance cap reached")
	err = svc.Events.Instances(calendarID, eventID).
		MaxResults(c.opts.MaxResults).
		Pages(ctx, func(page *calendar.Events) error {
			out = append(out, page.Items...)
			if len(out) >= c.opts.MaxInstances {
				out = out[:c.opts.MaxInstances]
				return errCapped
			}
			return nil
		})
	if err != nil && !errors.Is(err, errCapped) {
		return nil, classify("list instances", err, syncerr.KindProviderFetch)
	}
	return out, nil
}

func (c *Client) Watch(ctx context.Context, userID string, req WatchRequest) (*Channel, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, classify("watch events", err, syncerr.KindProviderFetch)
	}
	ch := &calendar.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		ch.Params = map[string]string{"ttl": fmt.Sprintf("%d", int64(req.TTL/time.Second))}
	}
	res, err := svc.Events.Watch(req.CalendarID, ch).Context(ctx).Do()
	if err != nil {
		kind := syncerr.KindProviderFetch
		switch statusCode(err) {
		case http.StatusBadRequest, http.StatusNotFound:
			kind = syncerr.KindMalformedWatch
		}
		return nil, classify("watch events", err, kind)
	}
	out := &Channel{ID: res.Id, ResourceID: res.ResourceId}
	if res.Expiration > 0 {
		out.Expiration = time.UnixMilli(res.Expiration).UTC()
	}
	return out, nil
}

// StopChannel stops a push channel. A channel the provider no longer knows
// counts as stopped.
func (c *Client) StopChannel(ctx context.Context, userID, channelID, resourceID string) error {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return classify("stop channel", err, syncerr.KindProviderFetch)
	}
	err = svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil
		}
		return classify("stop channel", err, syncerr.KindProviderFetch)
	}
	return nil
}
