// Package plugin defines the extractor and downloader capabilities consumed
// by the task worker, and a registry to look them up by URI.
package plugin

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
)

// Plugin is the surface shared by extractors and downloaders. A fresh
// instance is configured for every job task.
type Plugin interface {
	Name() string
	// SetConfig receives the job's global group merged with the plugin's
	// named group.
	SetConfig(cfg map[string]any)
	SetLogger(logger *slog.Logger)
	SetHTTPClient(client *http.Client)
}

// ExtractResult is one item discovered by an extractor.
type ExtractResult struct {
	// URI is the target of the follow-on task. Data carries an inline payload
	// instead when the source has no addressable URI.
	URI      string
	Data     []byte
	Name     string
	ItemID   string
	ItemData string
	// Type tells whether the result becomes a further extract or a download.
	Type     domain.JobTaskType
	Priority int
	Metadata json.RawMessage
	Request  *domain.DownloadRequest
}

// Extractor discovers items behind a URI.
type Extractor interface {
	Plugin
	SetCache(cache Cache)
	CanExtract(uri string) bool
	// ItemID derives the dedup key of the URI, if the source has one.
	ItemID(uri string) (string, bool)
	// Extract streams results lazily. Iteration stops at the first error.
	Extract(ctx context.Context, uri, itemData string, metadata json.RawMessage) iter.Seq2[ExtractResult, error]
}

// DownloadRequest is everything a downloader needs for one job task.
type DownloadRequest struct {
	URI                      string
	ItemID                   string
	FilenameTemplate         string
	MetadataFilenameTemplate string
	SaveMetadata             bool
	Metadata                 json.RawMessage
	Request                  *domain.DownloadRequest
}

// DownloadResult describes one saved file.
type DownloadResult struct {
	Path         string
	URI          string
	ItemID       string
	MetadataPath string
}

// Downloader fetches the bytes behind a URI.
type Downloader interface {
	Plugin
	CanDownload(uri string) bool
	Download(ctx context.Context, req DownloadRequest) iter.Seq2[DownloadResult, error]
}
