package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/evrhire/cadenza/internal/gateway"
)

const (
	contentType    = "audio/flac"
	uploadTimeout  = 2 * time.Minute
	errorBodyLimit = 256
)

// UploaderOption is a functional option for configuring the Uploader.
type UploaderOption func(*Uploader)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) UploaderOption {
	return func(u *Uploader) {
		u.client = hc
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) {
		u.logger = l
	}
}

// Uploader ships finished recordings to blob storage through the persistence
// gateway's signed upload URLs.
type Uploader struct {
	store  gateway.Store
	client *http.Client
	logger *slog.Logger
}

// NewUploader creates an Uploader backed by store.
func NewUploader(store gateway.Store, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		store:  store,
		client: &http.Client{Timeout: uploadTimeout},
		logger: slog.Default().With("component", "recording"),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Upload PUTs the finished FLAC recording into blob storage and returns the
// canonical recording URL for the interview record. A store without blob
// storage is not an error: the interview simply completes without a
// recording and ("", nil) is returned.
func (u *Uploader) Upload(ctx context.Context, interviewID string, flacData []byte) (string, error) {
	if len(flacData) == 0 {
		return "", errors.New("recording: nothing to upload")
	}

	fileName := fmt.Sprintf("interview-%s.flac", interviewID)
	target, err := u.store.RecordingUploadURL(ctx, fileName, contentType)
	if errors.Is(err, errors.ErrUnsupported) {
		u.logger.Info("store has no blob storage, skipping recording upload",
			"interview_id", interviewID)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("recording: mint upload url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, bytes.NewReader(flacData))
	if err != nil {
		return "", fmt.Errorf("recording: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	// Azure block blob SAS uploads refuse the PUT without this.
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("recording: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return "", fmt.Errorf("recording: upload returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	u.logger.Info("recording uploaded",
		"interview_id", interviewID,
		"blob_path", target.BlobPath,
		"bytes", len(flacData))
	return recordingURL(target), nil
}

// recordingURL strips the signed query from the upload URL, leaving the
// canonical blob address. Falls back to the blob path when the URL does not
// parse.
func recordingURL(target *gateway.UploadTarget) string {
	parsed, err := url.Parse(target.UploadURL)
	if err != nil {
		return target.BlobPath
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}
