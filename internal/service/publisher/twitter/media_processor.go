package twitter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
)

const (
	chunkSize       = 4 * 1024 * 1024
	maxStatusChecks = 60
)

// TwitterMediaProcessor uploads local files through the v1.1 media endpoint
type TwitterMediaProcessor struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	// sleep waits between processing status checks
	sleep func(ctx context.Context, d time.Duration) error
}

// MediaUploadResponse covers INIT, simple upload, FINALIZE and STATUS
type MediaUploadResponse struct {
	MediaID        int64           `json:"media_id"`
	MediaIDString  string          `json:"media_id_string"`
	Size           int64           `json:"size"`
	ProcessingInfo *ProcessingInfo `json:"processing_info,omitempty"`
}

type ProcessingInfo struct {
	State          string `json:"state"` // pending, in_progress, succeeded, failed
	CheckAfterSecs int    `json:"check_after_secs"`
	ProgressPct    int    `json:"progress_percent"`
	Error          *struct {
		Code    int    `json:"code"`
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewTwitterMediaProcessor(baseURL string, client *http.Client, logger *zap.Logger) *TwitterMediaProcessor {
	return &TwitterMediaProcessor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *TwitterMediaProcessor) endpoint() string {
	return p.baseURL + "/1.1/media/upload.json"
}

// Upload sends an image in one request and videos through the chunked flow
func (p *TwitterMediaProcessor) Upload(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat media: %w", err)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect media type: %w", err)
	}

	p.logger.Info("Uploading media",
		zap.String("path", path),
		zap.String("mime", mtype.String()),
		zap.String("size", humanize.Bytes(uint64(info.Size()))))

	var mediaID string
	if strings.HasPrefix(mtype.String(), "video/") || filepath.Ext(path) == ".mp4" {
		mediaID, err = p.uploadChunked(ctx, path, info.Size(), videoMediaType(mtype.String()))
	} else {
		mediaID, err = p.uploadSimple(ctx, path)
	}
	if err != nil {
		return "", err
	}

	p.logger.Info("Media uploaded", zap.String("path", path), zap.String("media_id", mediaID))
	return mediaID, nil
}

func videoMediaType(detected string) string {
	if strings.HasPrefix(detected, "video/") {
		return detected
	}
	return "video/mp4"
}

func (p *TwitterMediaProcessor) uploadSimple(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp MediaUploadResponse
	if err := do(p.client, req, &resp); err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	return mediaIDOf(resp)
}

func (p *TwitterMediaProcessor) uploadChunked(ctx context.Context, path string, size int64, mediaType string) (string, error) {
	init := url.Values{
		"command":        {"INIT"},
		"total_bytes":    {strconv.FormatInt(size, 10)},
		"media_type":     {mediaType},
		"media_category": {"tweet_video"},
	}
	var initResp MediaUploadResponse
	if err := p.postForm(ctx, init, &initResp); err != nil {
		return "", fmt.Errorf("failed to init upload: %w", err)
	}
	mediaID, err := mediaIDOf(initResp)
	if err != nil {
		return "", err
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, chunkSize)
	for segment := 0; ; segment++ {
		n, readErr := io.ReadFull(file, buf)
		if n > 0 {
			if err := p.appendChunk(ctx, mediaID, segment, buf[:n]); err != nil {
				return "", fmt.Errorf("failed to append segment %d: %w", segment, err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("failed to read file: %w", readErr)
		}
	}

	var finResp MediaUploadResponse
	if err := p.postForm(ctx, url.Values{"command": {"FINALIZE"}, "media_id": {mediaID}}, &finResp); err != nil {
		return "", fmt.Errorf("failed to finalize upload: %w", err)
	}

	if err := p.waitForProcessing(ctx, mediaID, finResp.ProcessingInfo); err != nil {
		return "", err
	}
	return mediaID, nil
}

func (p *TwitterMediaProcessor) appendChunk(ctx context.Context, mediaID string, segment int, chunk []byte) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		"command":       "APPEND",
		"media_id":      mediaID,
		"segment_index": strconv.Itoa(segment),
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	part, err := writer.CreateFormFile("media", "chunk")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return do(p.client, req, nil)
}

func (p *TwitterMediaProcessor) waitForProcessing(ctx context.Context, mediaID string, info *ProcessingInfo) error {
	for check := 0; info != nil; check++ {
		switch info.State {
		case "succeeded":
			return nil
		case "failed":
			msg := "media processing failed"
			if info.Error != nil {
				msg = fmt.Sprintf("media processing failed: %s", info.Error.Message)
			}
			return apierr.New(component, apierr.KindInvalidResponse, msg)
		}
		if check >= maxStatusChecks {
			return apierr.New(component, apierr.KindNetwork, "media processing did not finish in time")
		}

		p.logger.Debug("Waiting for media processing",
			zap.String("media_id", mediaID),
			zap.String("state", info.State),
			zap.Int("progress", info.ProgressPct))

		if err := p.sleep(ctx, time.Duration(info.CheckAfterSecs)*time.Second); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			p.endpoint()+"?"+url.Values{"command": {"STATUS"}, "media_id": {mediaID}}.Encode(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		var status MediaUploadResponse
		if err := do(p.client, req, &status); err != nil {
			return fmt.Errorf("failed to check media status: %w", err)
		}
		info = status.ProcessingInfo
	}
	return nil
}

func (p *TwitterMediaProcessor) postForm(ctx context.Context, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(p.client, req, out)
}

func mediaIDOf(resp MediaUploadResponse) (string, error) {
	if resp.MediaIDString != "" {
		return resp.MediaIDString, nil
	}
	if resp.MediaID != 0 {
		return strconv.FormatInt(resp.MediaID, 10), nil
	}
	return "", apierr.New(component, apierr.KindInvalidResponse, "upload response carried no media id")
}
