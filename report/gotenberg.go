// Package report converts HTML documents to PDF through Gotenberg and keeps
// the rendered files.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	maxPDFBytes   = 32 << 20
	maxErrorBytes = 512
	convertPath   = "/forms/chromium/convert/html"
)

// Page describes the printed sheet in inches.
type Page struct {
	Width, Height float64
	Margin        float64
}

// Letter is the default sheet for invoices.
var Letter = Page{Width: 8.5, Height: 11, Margin: 0.4}

// RenderError is a non-2xx answer from Gotenberg.
type RenderError struct {
	Status int
	Body   string
}

func (e *RenderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("report: render failed with status %d", e.Status)
	}
	return fmt.Sprintf("report: render failed with status %d: %s", e.Status, e.Body)
}

// Client posts HTML to Gotenberg's Chromium route.
type Client struct {
	baseURL    string
	page       Page
	httpClient *http.Client
}

// NewClient builds a client printing on Letter paper.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		page:       Letter,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithPage overrides the sheet size and margins.
func (c *Client) WithPage(p Page) *Client {
	c.page = p
	return c
}

// RenderHTML converts a single self-contained HTML document into a PDF.
func (c *Client) RenderHTML(ctx context.Context, html string) ([]byte, error) {
	body, contentType, err := c.form(html)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+convertPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("report: gotenberg convert: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, &RenderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
}

// form builds the multipart body. Gotenberg requires the entry file to be
// named index.html.
func (c *Client) form(html string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(part, html); err != nil {
		return nil, "", err
	}
	inches := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	fields := [][2]string{
		{"paperWidth", inches(c.page.Width)},
		{"paperHeight", inches(c.page.Height)},
		{"marginTop", inches(c.page.Margin)},
		{"marginBottom", inches(c.page.Margin)},
		{"marginLeft", inches(c.page.Margin)},
		{"marginRight", inches(c.page.Margin)},
		{"printBackground", "true"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}
