package direct

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/plugin"
)

// Downloader saves the body of an http(s) URI, or the payload of a data: URI,
// to a file named by the job's download filename template, relative to the
// output_dir config key.
type Downloader struct {
	base
	now func() time.Time
}

var _ plugin.Downloader = (*Downloader)(nil)

func NewDownloader() plugin.Downloader {
	return &Downloader{base: newBase(), now: time.Now}
}

func (d *Downloader) CanDownload(uri string) bool { return isHTTP(uri) || isData(uri) }

func isData(uri string) bool { return strings.HasPrefix(uri, "data:") }

// decodeDataURI returns the payload of a data: URI.
func decodeDataURI(uri string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, errors.New("data uri has no payload")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	s, err := url.PathUnescape(payload)
	return []byte(s), err
}

func (d *Downloader) Download(ctx context.Context, req plugin.DownloadRequest) iter.Seq2[plugin.DownloadResult, error] {
	return func(yield func(plugin.DownloadResult, error) bool) {
		res, err := d.download(ctx, req)
		yield(res, err)
	}
}

func (d *Downloader) download(ctx context.Context, req plugin.DownloadRequest) (plugin.DownloadResult, error) {
	ctx, span := otel.Tracer("plugin").Start(ctx, "direct.download")
	defer span.End()

	method := http.MethodGet
	var body io.Reader
	var headers map[string]string
	if r := req.Request; r != nil {
		if r.Method != "" {
			method = r.Method
		}
		if len(r.Body) > 0 {
			body = bytes.NewReader(r.Body)
		}
		headers = r.Headers
	}
	span.SetAttributes(
		attribute.String("http.url", req.URI),
		attribute.String("http.method", method),
	)

	data := newFilenameData(req.URI, req.ItemID, d.now())
	dir := plugin.GetString(d.cfg, "output_dir", ".")
	target, err := renderFilename(dir, req.FilenameTemplate, data)
	if err != nil {
		return plugin.DownloadResult{}, &domain.WorkerError{Code: "INVALID_FILENAME", Message: "cannot name download", Err: err}
	}

	var src io.Reader
	if isData(req.URI) {
		payload, err := decodeDataURI(req.URI)
		if err != nil {
			return plugin.DownloadResult{}, &domain.WorkerError{Code: "INVALID_DATA_URI", Message: "cannot decode inline payload", Err: err}
		}
		src = bytes.NewReader(payload)
	} else {
		httpReq, err := d.newRequest(ctx, method, req.URI, body)
		if err != nil {
			return plugin.DownloadResult{}, err
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := d.client.Do(httpReq)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "http call failed")
			return plugin.DownloadResult{}, fmt.Errorf("download %s: %w", req.URI, err)
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := &domain.HTTPStatusError{StatusCode: resp.StatusCode, URI: req.URI}
			span.RecordError(err)
			span.SetStatus(codes.Error, "bad status code")
			return plugin.DownloadResult{}, err
		}
		src = resp.Body
	}

	if err := writeFile(target, src); err != nil {
		span.RecordError(err)
		return plugin.DownloadResult{}, err
	}
	result := plugin.DownloadResult{Path: target, URI: req.URI, ItemID: req.ItemID}

	if req.SaveMetadata && len(req.Metadata) > 0 {
		metaTmpl := req.MetadataFilenameTemplate
		if metaTmpl == "" {
			metaTmpl = orDefault(req.FilenameTemplate) + ".json"
		}
		metaPath, err := renderFilename(dir, metaTmpl, data)
		if err != nil {
			return result, &domain.WorkerError{Code: "INVALID_FILENAME", Message: "cannot name metadata file", Err: err}
		}
		if err := writeFile(metaPath, bytes.NewReader(req.Metadata)); err != nil {
			return result, err
		}
		result.MetadataPath = metaPath
	}

	d.logger.Info("downloaded",
		slog.String("uri", req.URI),
		slog.String("path", target),
	)
	return result, nil
}

func orDefault(tmpl string) string {
	if tmpl == "" {
		return defaultFilenameTemplate
	}
	return tmpl
}

// writeFile streams r into a temporary sibling of path and renames it into
// place, so a cancelled download never leaves a partial file at path.
func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".part-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
