// Package direct provides the built-in extractor and downloader for plain
// http(s) URIs.
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/plugin"
)

const Name = "direct"

const maxPageBytes = 8 << 20

var hrefPattern = regexp.MustCompile(`(?i)\b(?:href|src)\s*=\s*["']([^"'#]+)["']`)

func isHTTP(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type base struct {
	cfg    map[string]any
	logger *slog.Logger
	client *http.Client
}

func newBase() base {
	return base{cfg: map[string]any{}, logger: slog.Default(), client: http.DefaultClient}
}

func (b *base) Name() string                    { return Name }
func (b *base) SetConfig(cfg map[string]any)    { b.cfg = cfg }
func (b *base) SetLogger(logger *slog.Logger)   { b.logger = logger }
func (b *base) SetHTTPClient(client *http.Client) { b.client = client }

func (b *base) newRequest(ctx context.Context, method, uri string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", uri, err)
	}
	if ua := plugin.GetString(b.cfg, "user_agent", ""); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range plugin.GetStringMap(b.cfg, "headers") {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Extractor turns an http(s) URI into download tasks. Without a
// link_pattern the URI itself is the single download. With one, the page is
// fetched and every linked URL matching the pattern becomes a download.
type Extractor struct {
	base
	cache plugin.Cache
}

var _ plugin.Extractor = (*Extractor)(nil)

func NewExtractor() plugin.Extractor {
	return &Extractor{base: newBase(), cache: plugin.NewMemoryCache()}
}

func (e *Extractor) SetCache(cache plugin.Cache) { e.cache = cache }

func (e *Extractor) CanExtract(uri string) bool { return isHTTP(uri) }

func (e *Extractor) ItemID(uri string) (string, bool) {
	if plugin.GetString(e.cfg, "link_pattern", "") != "" {
		return "", false
	}
	return uri, true
}

func (e *Extractor) Extract(ctx context.Context, uri, _ string, metadata json.RawMessage) iter.Seq2[plugin.ExtractResult, error] {
	return func(yield func(plugin.ExtractResult, error) bool) {
		pattern := plugin.GetString(e.cfg, "link_pattern", "")
		if pattern == "" {
			yield(plugin.ExtractResult{
				URI:      uri,
				ItemID:   uri,
				Type:     domain.TaskTypeDownload,
				Metadata: metadata,
			}, nil)
			return
		}

		re, err := regexp.Compile(pattern)
		if err != nil {
			yield(plugin.ExtractResult{}, &domain.WorkerError{Code: "INVALID_CONFIG", Message: "link_pattern does not compile", Err: err})
			return
		}
		links, err := e.links(ctx, uri)
		if err != nil {
			yield(plugin.ExtractResult{}, err)
			return
		}
		for _, link := range links {
			if !re.MatchString(link) {
				continue
			}
			if !yield(plugin.ExtractResult{
				URI:      link,
				ItemID:   link,
				Type:     domain.TaskTypeDownload,
				Metadata: metadata,
			}, nil) {
				return
			}
		}
	}
}

// links returns the absolute, de-duplicated link targets of the page. Pages
// are cached for the lifetime of the job worker.
func (e *Extractor) links(ctx context.Context, uri string) ([]string, error) {
	cacheKey := "direct:links:" + uri
	if v, ok := e.cache.Get(cacheKey); ok {
		if links, ok := v.([]string); ok {
			return links, nil
		}
	}

	ctx, span := otel.Tracer("plugin").Start(ctx, "direct.extract")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", uri))

	req, err := e.newRequest(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &domain.HTTPStatusError{StatusCode: resp.StatusCode, URI: uri}
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}

	pageURL := resp.Request.URL
	seen := make(map[string]bool)
	var links []string
	for _, m := range hrefPattern.FindAllSubmatch(body, -1) {
		ref, err := url.Parse(string(m[1]))
		if err != nil {
			continue
		}
		abs := pageURL.ResolveReference(ref).String()
		if !isHTTP(abs) || seen[abs] {
			continue
		}
		seen[abs] = true
		links = append(links, abs)
	}
	e.cache.Set(cacheKey, links)
	e.logger.Debug("extracted links", slog.String("uri", uri), slog.Int("links", len(links)))
	return links, nil
}
