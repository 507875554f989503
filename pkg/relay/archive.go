package relay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

// ArchiveSink receives every accepted order for permanent off-chain storage.
// Delivery is fire-and-forget: loss is acceptable and the downstream consumer
// must dedupe, so failures are logged and swallowed.
type ArchiveSink interface {
	Archive(ctx context.Context, payload []byte)
}

// HTTPArchive posts payloads to an archival gateway.
type HTTPArchive struct {
	log  zerolog.Logger
	http *http.Client
	url  string
}

var _ ArchiveSink = (*HTTPArchive)(nil)

// NewHTTPArchive returns a sink posting to the given gateway URL.
func NewHTTPArchive(url string) *HTTPArchive {
	return &HTTPArchive{
		log: logger.With().
			Str("component", "archivesink").
			Logger(),
		http: &http.Client{Timeout: time.Second * 30},
		url:  url,
	}
}

// Archive implements ArchiveSink.
func (a *HTTPArchive) Archive(ctx context.Context, payload []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		a.log.Error().Err(err).Msg("building archive request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	res, err := a.http.Do(req)
	if err != nil {
		a.log.Error().Err(err).Msg("posting archive payload")
		return
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		a.log.Error().
			Str("status", fmt.Sprintf("%d", res.StatusCode)).
			Msg("archive gateway rejected payload")
	}
}

// NopArchive drops everything; used when no archival gateway is configured.
type NopArchive struct{}

// Archive implements ArchiveSink.
func (NopArchive) Archive(context.Context, []byte) {}
