package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// CrawlProgress renders a one-line progress bar for a follower crawl
type CrawlProgress struct {
	mu        sync.Mutex
	target    string
	max       int
	collected int
	requests  int
	account   string
	accounts  map[string]struct{}
	startTime time.Time
	now       func() time.Time
	debug     bool
}

// NewCrawlProgress creates a progress line for target. In debug mode every
// page is printed on its own line instead.
func NewCrawlProgress(target string, max int, debug bool) *CrawlProgress {
	return &CrawlProgress{
		target:    target,
		max:       max,
		accounts:  make(map[string]struct{}),
		startTime: time.Now(),
		now:       time.Now,
		debug:     debug,
	}
}

// Update records one collected page
func (p *CrawlProgress) Update(account string, collected, requests int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.account = account
	p.collected = collected
	p.requests = requests
	p.accounts[account] = struct{}{}

	if p.debug {
		printf(false, "%s page %d via @%s • %d/%d\n", Magenta("→"), requests, account, collected, p.max)
		return
	}
	printf(false, "\r%s\r%s", strings.Repeat(" ", 100), p.line())
}

func (p *CrawlProgress) line() string {
	progress := 0.0
	if p.max > 0 {
		progress = float64(p.collected) / float64(p.max)
	}
	if progress > 1 {
		progress = 1
	}
	barWidth := 20
	filled := int(progress * float64(barWidth))
	bar := strings.Repeat("━", filled) + strings.Repeat("─", barWidth-filled)

	elapsed := p.now().Sub(p.startTime)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(p.collected) / elapsed.Minutes()
	}

	return fmt.Sprintf("%s [%s] %d/%d • %.0f/min • %d requests • @%s",
		Cyan("@"+p.target), bar, p.collected, p.max, rate, p.requests, p.account)
}

// Complete prints the summary
func (p *CrawlProgress) Complete(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.now().Sub(p.startTime)
	printf(false, "\n\n%s Collected %d followers of @%s\n", Green("✓"), total, p.target)
	printf(false, "  %s %d requests across %d accounts in %s\n",
		Dim("•"), p.requests, len(p.accounts), FormatDuration(elapsed))
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
