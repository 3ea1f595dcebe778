package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"igcrawler/pkg/logger"
)

const loginURL = "https://www.instagram.com/accounts/login/"

// ErrChallenge is returned when Instagram asks for a checkpoint or 2FA step
var ErrChallenge = errors.New("login challenge required")

// Authenticator signs an account in and returns its session cookies
type Authenticator interface {
	Login(ctx context.Context, username, password, proxy string) (*Session, error)
}

// BrowserLogin drives a headless Chromium through the web login form
type BrowserLogin struct {
	Headless  bool
	Timeout   time.Duration
	UserAgent string
	Logger    logger.Logger
}

// NewBrowserLogin returns a BrowserLogin with a two minute timeout
func NewBrowserLogin(headless bool, log logger.Logger) *BrowserLogin {
	if log == nil {
		log = logger.GetLogger()
	}
	return &BrowserLogin{Headless: headless, Timeout: 2 * time.Minute, Logger: log}
}

// proxyServer strips credentials, which Chromium's --proxy-server rejects
func proxyServer(proxy string) string {
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return proxy
	}
	return u.Scheme + "://" + u.Host
}

// Login fills the login form and waits for the sessionid cookie
func (b *BrowserLogin) Login(ctx context.Context, username, password, proxy string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	log := b.Logger.WithField("account", username)
	log.Info("Starting browser login")

	l := launcher.New().Context(ctx).Headless(b.Headless).NoSandbox(true).Leakless(false)
	if proxy != "" {
		l = l.Proxy(proxyServer(proxy))
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	defer l.Kill()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: loginURL})
	if err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}
	if b.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.UserAgent}); err != nil {
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for login page: %w", err)
	}

	if err := fill(page, `input[name="username"]`, username); err != nil {
		return nil, err
	}
	if err := fill(page, `input[name="password"]`, password); err != nil {
		return nil, err
	}
	submit, err := page.Element(`button[type="submit"]`)
	if err != nil {
		return nil, fmt.Errorf("find submit button: %w", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("submit login form: %w", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		cookies, err := browser.GetCookies()
		if err != nil {
			return nil, fmt.Errorf("read cookies: %w", err)
		}
		jar := make([]Cookie, 0, len(cookies))
		for _, c := range cookies {
			jar = append(jar, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
		}
		if s := SessionFromCookies(username, jar); s.SessionID != "" && s.CSRFToken != "" {
			s.UserAgent = b.UserAgent
			s.LastModified = time.Now()
			log.Info("Browser login succeeded")
			return s, nil
		}

		if info, err := page.Info(); err == nil && strings.Contains(info.URL, "/challenge") {
			return nil, fmt.Errorf("%w for %s", ErrChallenge, username)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("login for %s did not complete: %w", username, ctx.Err())
		case <-ticker.C:
		}
	}
}

func fill(page *rod.Page, selector, value string) error {
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}
