package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

// HTTPProvider is a minimal, runnable ArtProvider against a Cover Art
// Archive/MusicBrainz-shaped HTTP API: GET baseURL/release/artist/album
// for albums, baseURL/artist/artist for artists. Production deployments
// are expected to supply a richer provider; this one exists so the
// Downloader is exercisable end to end without an external dependency,
// the same role the default FFmpegThumbnailer plays for video thumbs.
type HTTPProvider struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPProvider returns an HTTPProvider using http.DefaultClient if
// client is nil.
func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{BaseURL: baseURL, Client: client}
}

func (p *HTTPProvider) FetchAlbumArt(ctx context.Context, artist, album string) ([]byte, error) {
	return p.fetch(ctx, fmt.Sprintf("%s/release/%s/%s", p.BaseURL, url.PathEscape(artist), url.PathEscape(album)))
}

func (p *HTTPProvider) FetchArtistArt(ctx context.Context, artist string) ([]byte, error) {
	return p.fetch(ctx, fmt.Sprintf("%s/artist/%s", p.BaseURL, url.PathEscape(artist)))
}

func (p *HTTPProvider) fetch(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.HardError, "building request", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.TemporaryError, "fetching art", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, cacheerr.New(cacheerr.NotFound, "no art available")
	case resp.StatusCode >= 500:
		return nil, cacheerr.New(cacheerr.TemporaryError, fmt.Sprintf("server error: %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, cacheerr.New(cacheerr.HardError, fmt.Sprintf("client error: %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.TemporaryError, "reading response", err)
	}
	return data, nil
}
