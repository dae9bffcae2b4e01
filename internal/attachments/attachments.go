// Package attachments turns platform attachment references into the
// resolved descriptors the relay core works with: bytes for anything small
// enough, an error marker for anything that was not. Fetches are bounded in
// size, time and parallelism, and oversized images are downscaled before
// they travel to the agent.
package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"github.com/gorpbot/gorp/internal/activity"
	"github.com/gorpbot/gorp/internal/config"
)

const (
	defaultMaxBytes    int64 = 8 * 1024 * 1024
	defaultTimeout           = 30 * time.Second
	defaultConcurrency       = 3

	// fetchMaxRetries is the number of attempts per attachment. Retries
	// apply to transport errors only, never to HTTP error statuses.
	fetchMaxRetries = 2
)

// Ref is one attachment as the platform reported it, before ingestion.
type Ref struct {
	Name        string
	URL         string
	ContentType string
	Size        int64
}

// Resolver fetches attachment content within configured bounds.
type Resolver struct {
	client      *http.Client
	maxBytes    int64
	timeout     time.Duration
	concurrency int
	maxDim      int
}

// NewResolver builds a resolver from cfg, falling back to defaults for
// non-positive values. MaxImageDimension zero disables downscaling.
func NewResolver(cfg config.AttachmentsConfig) *Resolver {
	r := &Resolver{
		client:      &http.Client{},
		maxBytes:    cfg.MaxBytes,
		timeout:     time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
		concurrency: cfg.Concurrency,
		maxDim:      cfg.MaxImageDimension,
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxBytes
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.concurrency <= 0 {
		r.concurrency = defaultConcurrency
	}
	return r
}

// Resolve fetches every ref concurrently and returns descriptors in ref
// order. Individual failures never fail the batch; they come back as error
// markers on the affected attachment.
func (r *Resolver) Resolve(ctx context.Context, refs []Ref) []activity.Attachment {
	if len(refs) == 0 {
		return nil
	}

	out := make([]activity.Attachment, len(refs))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			out[i] = r.fetch(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fetch downloads one attachment. All failure modes land in the Err field.
func (r *Resolver) fetch(ctx context.Context, ref Ref) activity.Attachment {
	att := activity.Attachment{Name: ref.Name, ContentType: ref.ContentType}

	// Check the declared size before spending any bandwidth.
	if ref.Size > r.maxBytes {
		att.Err = fmt.Sprintf("file too large: %d bytes (max %d)", ref.Size, r.maxBytes)
		return att
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, contentType, err := r.download(ctx, ref.URL)
	if err != nil {
		slog.Debug("attachment fetch failed", "name", ref.Name, "error", err)
		att.Err = err.Error()
		return att
	}

	if att.ContentType == "" {
		att.ContentType = contentType
	}
	att.Data = r.downscale(att.ContentType, data)
	return att
}

func (r *Resolver) download(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", fmt.Errorf("build request: %w", err)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("download: %w", err)
			select {
			case <-ctx.Done():
				return nil, "", lastErr
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			continue
		}

		data, contentType, err := r.readBody(resp)
		if err != nil {
			return nil, "", err
		}
		return data, contentType, nil
	}
	return nil, "", lastErr
}

func (r *Resolver) readBody(resp *http.Response) ([]byte, string, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, "", fmt.Errorf("file exceeds max size during download (max %d)", r.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// downscale re-encodes PNG and JPEG images whose longest side exceeds the
// configured dimension. Anything that fails to decode passes through
// untouched; bounding dimensions is an optimization, not a guarantee.
func (r *Resolver) downscale(contentType string, data []byte) []byte {
	if r.maxDim <= 0 {
		return data
	}

	var format imaging.Format
	switch contentType {
	case "image/png":
		format = imaging.PNG
	case "image/jpeg":
		format = imaging.JPEG
	default:
		return data
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Debug("image decode failed, keeping original", "error", err)
		return data
	}
	b := img.Bounds()
	if b.Dx() <= r.maxDim && b.Dy() <= r.maxDim {
		return data
	}

	fitted := imaging.Fit(img, r.maxDim, r.maxDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, format); err != nil {
		slog.Debug("image encode failed, keeping original", "error", err)
		return data
	}
	slog.Debug("image downscaled",
		"from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"to", fmt.Sprintf("%dx%d", fitted.Bounds().Dx(), fitted.Bounds().Dy()),
		"bytes", buf.Len(),
	)
	return buf.Bytes()
}
