package infrastructure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// RenderedPage is the document a renderer produced for one URL.
type RenderedPage struct {
	StatusCode int
	RetryAfter string
	Body       string
}

// PageRenderer retrieves the HTML behind a fallback URL.
type PageRenderer interface {
	Render(ctx context.Context, pageURL string) (*RenderedPage, error)
	Close() error
}

// NewPageRenderer picks a renderer by name: "http" (default) or "chromedp".
func NewPageRenderer(kind, userAgent string, timeout time.Duration) (PageRenderer, error) {
	switch strings.ToLower(kind) {
	case "", "http":
		return NewHTTPRenderer(nil, userAgent, timeout), nil
	case "chromedp":
		return NewChromeRenderer(userAgent, timeout), nil
	}
	return nil, fmt.Errorf("unknown fallback renderer %q", kind)
}

// HTTPRenderer fetches server-rendered pages with a plain GET.
type HTTPRenderer struct {
	client    *http.Client
	userAgent string
}

func NewHTTPRenderer(client *http.Client, userAgent string, timeout time.Duration) *HTTPRenderer {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPRenderer{client: client, userAgent: userAgent}
}

func (r *HTTPRenderer) Render(ctx context.Context, pageURL string) (*RenderedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &RenderedPage{
		StatusCode: resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
		Body:       string(body),
	}, nil
}

func (r *HTTPRenderer) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// ChromeRenderer renders pages in headless Chrome for script-built listings.
type ChromeRenderer struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	timeout     time.Duration
}

func NewChromeRenderer(userAgent string, timeout time.Duration) *ChromeRenderer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1280, 900),
	)
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeRenderer{allocCtx: allocCtx, cancelAlloc: cancel, timeout: timeout}
}

func (r *ChromeRenderer) Render(ctx context.Context, pageURL string) (*RenderedPage, error) {
	tabCtx, cancelTab := chromedp.NewContext(r.allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelTab()
	if r.timeout > 0 {
		var cancelTimeout context.CancelFunc
		tabCtx, cancelTimeout = context.WithTimeout(tabCtx, r.timeout)
		defer cancelTimeout()
	}
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	// capture the main document's status code
	var status atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, e.Response.Status)
		}
	})

	var html string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", pageURL, err)
	}

	code := int(status.Load())
	if code == 0 {
		code = http.StatusOK
	}
	return &RenderedPage{StatusCode: code, Body: html}, nil
}

func (r *ChromeRenderer) Close() error {
	r.cancelAlloc()
	return nil
}
