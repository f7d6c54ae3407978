package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/vendor"
	"github.com/arbiter-mod/sieve/util"
)

// MediaFetcher downloads attached media so vendors can scan the actual
// bytes instead of trusting a URL that may rot or get swapped.
type MediaFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func NewMediaFetcher(maxBytes int64) *MediaFetcher {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &MediaFetcher{
		Client:   util.RobustHTTPClient(),
		MaxBytes: maxBytes,
	}
}

func (f *MediaFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	defer func() {
		mediaFetchDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing media request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		mediaFetchCount.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()
	mediaFetchCount.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch failed with status %d: %s", resp.StatusCode, url)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}
	if int64(len(b)) > f.MaxBytes {
		return nil, fmt.Errorf("media exceeds size cap of %d bytes: %s", f.MaxBytes, url)
	}
	return b, nil
}

// One attachment with its bytes resolved. Items that failed to download keep
// a nil Bytes and an Err describing the failure; the ensemble skips them.
type fetchedMedia struct {
	Item  moderation.MediaItem
	Bytes []byte
	Err   error
}

func (m fetchedMedia) imageInput() vendor.ImageInput {
	return vendor.ImageInput{
		URL:      m.Item.URL,
		MimeType: m.Item.MimeType,
		Bytes:    m.Bytes,
	}
}

func (eng *Engine) fetchMedia(ctx context.Context, items []moderation.MediaItem) []fetchedMedia {
	out := make([]fetchedMedia, len(items))
	for i, item := range items {
		out[i] = fetchedMedia{Item: item}
		if item.URL == "" {
			out[i].Err = fmt.Errorf("media item has no URL")
			continue
		}
		b, err := eng.Media.Fetch(ctx, item.URL)
		if err != nil {
			eng.Logger.Warn("media fetch failed", "url", item.URL, "err", err)
			out[i].Err = err
			continue
		}
		out[i].Bytes = b
	}
	return out
}
