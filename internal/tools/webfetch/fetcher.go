// Package webfetch renders a page in headless Chrome and extracts the
// readable article text. One Fetcher owns a long-lived browser context;
// construct once, call Fetch per URL, Close on shutdown.
package webfetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

// Page is the extracted content for one URL.
type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Byline   string `json:"byline"`
	Text     string `json:"text"`
	HTMLHash string `json:"html_hash"`
	Status   int    `json:"status"`
	RenderMS int    `json:"render_ms"`
}

type Fetcher struct {
	allocCtx  context.Context
	cancelAll context.CancelFunc
	brCtx     context.Context
	cancelBr  context.CancelFunc

	UserAgent string
	DefaultTO time.Duration
	MaxChars  int
}

// NewFetcher starts a reusable headless browser.
func NewFetcher(defaultTO time.Duration, maxChars int, userAgent string) (*Fetcher, error) {
	if defaultTO <= 0 {
		defaultTO = 30 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 12000
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	bctx, cancelBr := chromedp.NewContext(actx)

	return &Fetcher{
		allocCtx:  actx,
		cancelAll: cancelAlloc,
		brCtx:     bctx,
		cancelBr:  cancelBr,
		UserAgent: userAgent,
		DefaultTO: defaultTO,
		MaxChars:  maxChars,
	}, nil
}

// Close tears down Chrome resources.
func (f *Fetcher) Close() {
	if f.cancelBr != nil {
		f.cancelBr()
	}
	if f.cancelAll != nil {
		f.cancelAll()
	}
}

// Fetch navigates to link and extracts main content via readability.
// Render failures return status 599 with empty text rather than a hard
// error; the provider chain treats empty text as a miss, not a crash.
func (f *Fetcher) Fetch(ctx context.Context, link string, timeout time.Duration) (Page, error) {
	if strings.TrimSpace(link) == "" {
		return Page{}, errors.New("invalid url")
	}
	if timeout <= 0 {
		timeout = f.DefaultTO
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t0 := time.Now()
	html, err := f.outerHTML(ctx, link)
	if err != nil {
		return Page{URL: link, Status: 599, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}

	article, err := readability.FromReader(strings.NewReader(html), parsedURL(link))
	if err != nil {
		return Page{URL: link, Status: 200, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > f.MaxChars {
		text = text[:f.MaxChars]
	}
	sum := sha1.Sum([]byte(html))
	return Page{
		URL:      link,
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		Text:     text,
		HTMLHash: hex.EncodeToString(sum[:]),
		Status:   200,
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

func (f *Fetcher) outerHTML(ctx context.Context, link string) (string, error) {
	var html string
	err := chromedp.Run(f.brCtx,
		chromedp.Navigate(link),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err == nil {
		err = ctx.Err()
	}
	return html, err
}

func parsedURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
