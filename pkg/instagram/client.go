package instagram

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"igcrawler/pkg/auth"
	"igcrawler/pkg/config"
	errs "igcrawler/pkg/errors"
	"igcrawler/pkg/logger"
)

// DefaultAppID is the web app id the private API expects
const DefaultAppID = "936619743392459"

// Options configures a Client
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	AppID          string
	AcceptLanguage string
	UserAgents     []string
}

// OptionsFromConfig extracts client options from cfg
func OptionsFromConfig(cfg config.HTTPConfig) Options {
	return Options{
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.Timeout,
		AppID:          cfg.AppID,
		AcceptLanguage: cfg.AcceptLanguage,
		UserAgents:     cfg.UserAgents,
	}
}

// Client calls Instagram's private API on behalf of pool accounts. Each
// proxy gets its own *http.Client.
type Client struct {
	opts   Options
	logger logger.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
	rng     *rand.Rand
}

// NewClient creates a new Instagram API client
func NewClient(opts Options, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.AppID == "" {
		opts.AppID = DefaultAppID
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = "en-US,en;q=0.9"
	}
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = config.DefaultUserAgents
	}

	return &Client{
		opts:    opts,
		logger:  log.WithField("component", "instagram"),
		clients: make(map[string]*http.Client),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// httpClient returns the cached client for proxy, "" meaning direct
func (c *Client) httpClient(proxy string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[proxy]; ok {
		return hc, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, errs.New(errs.ErrorTypeNetwork, 0, "invalid proxy %q", proxy)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	hc := &http.Client{Timeout: c.opts.Timeout, Transport: transport}
	c.clients[proxy] = hc
	return hc, nil
}

func (c *Client) userAgent(sess *auth.Session) string {
	if sess != nil && sess.UserAgent != "" {
		return sess.UserAgent
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.UserAgents[c.rng.Intn(len(c.opts.UserAgents))]
}

func (c *Client) newRequest(ctx context.Context, sess *auth.Session, rawURL, referer string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeUnknown, 0, "failed to create request: %v", err)
	}

	req.Header.Set("x-ig-app-id", c.opts.AppID)
	req.Header.Set("User-Agent", c.userAgent(sess))
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", c.opts.AcceptLanguage)
	req.Header.Set("x-requested-with", "XMLHttpRequest")
	req.Header.Set("Referer", referer)
	if sess != nil {
		req.Header.Set("Cookie", sess.CookieHeader())
		req.Header.Set("x-csrftoken", sess.CSRFToken)
	}
	return req, nil
}

// getJSON performs one request and decodes the JSON body into target
func (c *Client) getJSON(ctx context.Context, sess *auth.Session, proxy, rawURL, referer string, target interface{}) error {
	hc, err := c.httpClient(proxy)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, sess, rawURL, referer)
	if err != nil {
		return err
	}

	account := ""
	if sess != nil {
		account = sess.Username
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.ErrorWithFields("HTTP request failed", map[string]interface{}{
			"url":     rawURL,
			"account": account,
			"error":   err.Error(),
		})
		return errs.New(errs.ErrorTypeNetwork, 0, "network error: %v", err)
	}
	defer resp.Body.Close()
	logger.LogRequest(c.logger, req.Method, rawURL, account, resp.StatusCode, time.Since(start))

	if err := c.checkResponseStatus(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New(errs.ErrorTypeNetwork, resp.StatusCode, "failed to read response body: %v", err)
	}

	if err := json.Unmarshal(body, target); err != nil {
		bodyPreview := string(body)
		if len(bodyPreview) > 200 {
			bodyPreview = bodyPreview[:200] + "..."
		}
		c.logger.ErrorWithFields("failed to parse JSON response", map[string]interface{}{
			"url":          rawURL,
			"status":       resp.StatusCode,
			"error":        err.Error(),
			"body_preview": bodyPreview,
		})
		return errs.New(errs.ErrorTypeParsing, resp.StatusCode, "failed to parse JSON: %v", err)
	}
	return nil
}

// checkResponseStatus maps non-2xx responses to typed errors. A 400 whose
// body asks for a checkpoint is a login challenge.
func (c *Client) checkResponseStatus(resp *http.Response) error {
	apiErr := errs.FromStatus(resp.StatusCode)
	if apiErr == nil {
		return nil
	}

	if resp.StatusCode == http.StatusBadRequest {
		var body struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &body) == nil && (body.Message == "challenge_required" || body.Message == "checkpoint_required") {
			apiErr = errs.New(errs.ErrorTypeChallenge, resp.StatusCode, "%s", body.Message)
		}
	}

	fields := map[string]interface{}{
		"status": resp.StatusCode,
		"url":    resp.Request.URL.String(),
		"type":   string(apiErr.Type),
	}
	if resp.StatusCode >= 500 {
		c.logger.ErrorWithFields("Instagram API error", fields)
	} else {
		c.logger.WarnWithFields("Instagram API error", fields)
	}
	return apiErr
}

// FetchProfile resolves username to its profile and recent timeline posts
func (c *Client) FetchProfile(ctx context.Context, sess *auth.Session, proxy, username string) (*Profile, error) {
	var response ProfileResponse
	if err := c.getJSON(ctx, sess, proxy, ProfileURL(c.opts.BaseURL, username), WebURL+"/", &response); err != nil {
		return nil, err
	}

	if response.RequiresToLogin {
		return nil, errs.New(errs.ErrorTypeAuth, http.StatusUnauthorized, "Instagram requires authentication to view %s", username)
	}
	if response.Data.User == nil || response.Data.User.ID == "" {
		return nil, errs.New(errs.ErrorTypeNotFound, http.StatusNotFound, "user %s not found", username)
	}

	profile := ProfileFromUser(response.Data.User)
	if profile.Username == "" {
		profile.Username = username
	}
	return profile, nil
}

// FetchFollowersPage fetches one page of userID's followers starting at
// maxID ("" for the first page)
func (c *Client) FetchFollowersPage(ctx context.Context, sess *auth.Session, proxy, userID, maxID string, count int) (*FollowersPage, error) {
	var page FollowersPage
	rawURL := FollowersURL(c.opts.BaseURL, userID, maxID, count)
	if err := c.getJSON(ctx, sess, proxy, rawURL, WebURL+"/", &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchUserFeed fetches one page of userID's media feed
func (c *Client) FetchUserFeed(ctx context.Context, sess *auth.Session, proxy, userID, username, maxID string) (*FeedResponse, error) {
	var feed FeedResponse
	rawURL := FeedURL(c.opts.BaseURL, userID, maxID)
	if err := c.getJSON(ctx, sess, proxy, rawURL, UserProfileURL(username), &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

// FetchRecentPosts pages through the feed until max posts are collected or
// the feed ends. delay is slept between pages.
func (c *Client) FetchRecentPosts(ctx context.Context, sess *auth.Session, proxy, userID, username string, max int, delay time.Duration) ([]Post, error) {
	if max <= 0 {
		return nil, nil
	}

	var posts []Post
	maxID := ""
	for pages := 0; pages < max/FeedPageSize+2; pages++ {
		feed, err := c.FetchUserFeed(ctx, sess, proxy, userID, username, maxID)
		if err != nil {
			if len(posts) > 0 {
				c.logger.WithError(err).WithField("username", username).Warn("Feed paging stopped early")
				break
			}
			return nil, err
		}
		for _, item := range feed.Items {
			posts = append(posts, item.ToPost())
		}
		maxID = feed.NextMaxID
		if maxID == "" || len(feed.Items) == 0 || len(posts) >= max {
			break
		}
		select {
		case <-ctx.Done():
			return posts, ctx.Err()
		case <-time.After(delay):
		}
	}

	if len(posts) > max {
		posts = posts[:max]
	}
	return posts, nil
}
