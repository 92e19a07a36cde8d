package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"im-client/internal/api"
	"im-client/internal/config"
	"im-client/internal/models"
)

// ErrUploadAborted signals a user-initiated cancellation. It is
// distinguishable from failure so the UI never shows an error state for
// a cancel, and it is never retried.
var ErrUploadAborted = errors.New("upload aborted")

// uploadAPI is the slice of the REST client the pipeline needs.
type uploadAPI interface {
	UploadFile(ctx context.Context, req api.UploadRequest, onProgress func(int)) (*api.UploadResult, error)
}

// onlineState reports connectivity and lets the pipeline park while the
// client is offline.
type onlineState interface {
	IsOnline() bool
	WaitOnline(ctx context.Context) error
}

// FileUpload is one file handed to the pipeline. Open is called once
// per attempt so retries re-read the source from the start.
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// FileFromPath builds a FileUpload for a file on disk.
func FileFromPath(path string) (FileUpload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileUpload{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return FileUpload{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// ProgressFunc receives progress updates per tracked upload id.
type ProgressFunc func(tempID string, progress int)

// Uploader drives reliable file delivery: batch validation, progress
// reporting, bounded retry with exponential backoff, offline awareness
// and cooperative cancellation. Concurrent Send calls are independent;
// the shared table only tracks per-id state.
type Uploader struct {
	cfg    config.UploadConfig
	api    uploadAPI
	online onlineState
	logger *logrus.Logger

	mu    sync.Mutex
	items map[string]*uploadEntry
}

type uploadEntry struct {
	item   models.UploadItem
	cancel context.CancelFunc
}

// NewUploader creates an upload pipeline.
func NewUploader(cfg config.UploadConfig, apiClient uploadAPI, online onlineState, logger *logrus.Logger) *Uploader {
	return &Uploader{
		cfg:    cfg,
		api:    apiClient,
		online: online,
		logger: logger,
		items:  make(map[string]*uploadEntry),
	}
}

// validateFile applies the shared validation policy. Validation errors
// are terminal and never reach the network.
func (u *Uploader) validateFile(file FileUpload) error {
	if file.Name == "" {
		return fmt.Errorf("file has no name")
	}
	if u.cfg.MaxFileSize > 0 && file.Size > u.cfg.MaxFileSize {
		return fmt.Errorf("file %s exceeds maximum size of %d bytes", file.Name, u.cfg.MaxFileSize)
	}
	if len(u.cfg.AllowedTypes) == 0 {
		return nil
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Name), "."))
	for _, allowed := range u.cfg.AllowedTypes {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("file %s has disallowed type %q", file.Name, ext)
}

// Send validates and uploads a batch of files to a room. The whole
// batch is rejected before any network call if one file fails
// validation. Cancelling ctx aborts the in-flight transfer and returns
// ErrUploadAborted.
func (u *Uploader) Send(ctx context.Context, roomID string, files []FileUpload, onProgress ProgressFunc, groupID string) ([]*api.UploadResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to send")
	}
	for _, file := range files {
		if err := u.validateFile(file); err != nil {
			return nil, fmt.Errorf("batch rejected: %w", err)
		}
	}

	results := make([]*api.UploadResult, 0, len(files))
	for _, file := range files {
		result, err := u.sendOne(ctx, roomID, file, onProgress, groupID)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (u *Uploader) sendOne(ctx context.Context, roomID string, file FileUpload, onProgress ProgressFunc, groupID string) (*api.UploadResult, error) {
	tempID := uuid.NewString()
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	u.mu.Lock()
	u.items[tempID] = &uploadEntry{
		item: models.UploadItem{
			ID:       tempID,
			RoomID:   roomID,
			FileName: file.Name,
			Size:     file.Size,
			Status:   models.UploadPending,
			GroupID:  groupID,
		},
		cancel: cancel,
	}
	u.mu.Unlock()

	u.setStatus(tempID, models.UploadInFlight, "")
	// The physical transfer occupies 5..95 so the UI never sits on a
	// stalled 0% or shows 100% before the server acknowledged.
	u.report(tempID, 5, onProgress)

	result, err := u.uploadWithRetry(uploadCtx, tempID, roomID, file, onProgress, groupID)
	if err != nil {
		if errors.Is(err, ErrUploadAborted) {
			u.remove(tempID)
		} else {
			u.setStatus(tempID, models.UploadFailed, err.Error())
		}
		return nil, err
	}

	u.report(tempID, 100, onProgress)
	u.setStatus(tempID, models.UploadCompleted, "")

	// Completed entries linger briefly so the UI can confirm, then
	// disappear on their own.
	time.AfterFunc(u.cfg.CompletedGraceDelay, func() { u.remove(tempID) })

	return result, nil
}

// uploadWithRetry is the bounded retry loop. Client errors and
// cancellation are terminal; transient failures back off exponentially;
// offline periods suspend the loop without consuming attempts.
func (u *Uploader) uploadWithRetry(ctx context.Context, tempID, roomID string, file FileUpload, onProgress ProgressFunc, groupID string) (*api.UploadResult, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := u.attempt(ctx, tempID, roomID, file, onProgress, groupID)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, ErrUploadAborted
		}
		if api.IsClientError(err) {
			return nil, err
		}
		lastErr = err

		retry := attempt + 1
		if retry > u.cfg.MaxRetries {
			return nil, fmt.Errorf("upload failed after %d retries: %w", u.cfg.MaxRetries, lastErr)
		}

		if !u.online.IsOnline() {
			// Park until connectivity returns instead of burning
			// attempts against a dead network, then let the link
			// settle before the next try.
			if err := u.online.WaitOnline(ctx); err != nil {
				return nil, ErrUploadAborted
			}
			select {
			case <-ctx.Done():
				return nil, ErrUploadAborted
			case <-time.After(u.cfg.OfflineSettleDelay):
			}
			attempt--
			continue
		}

		u.bumpRetryCount(tempID)
		u.logger.WithError(err).WithFields(logrus.Fields{
			"temp_id":   tempID,
			"file_name": file.Name,
			"retry":     retry,
		}).Warn("Upload attempt failed, retrying")

		delay := u.cfg.RetryBaseDelay * time.Duration(1<<retry)
		select {
		case <-ctx.Done():
			return nil, ErrUploadAborted
		case <-time.After(delay):
		}
	}
}

func (u *Uploader) attempt(ctx context.Context, tempID, roomID string, file FileUpload, onProgress ProgressFunc, groupID string) (*api.UploadResult, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file.Name, err)
	}
	defer reader.Close()

	return u.api.UploadFile(ctx, api.UploadRequest{
		RoomID:      roomID,
		TempID:      tempID,
		GroupID:     groupID,
		FileName:    file.Name,
		ContentType: file.ContentType,
		Size:        file.Size,
		Reader:      reader,
	}, func(raw int) {
		u.report(tempID, 5+raw*90/100, onProgress)
	})
}

// Cancel aborts an in-flight upload and removes it immediately.
func (u *Uploader) Cancel(tempID string) {
	u.mu.Lock()
	entry, exists := u.items[tempID]
	u.mu.Unlock()
	if !exists {
		return
	}
	entry.cancel()
	u.remove(tempID)
}

// Remove drops a tracked upload, typically a failed one the user
// dismissed.
func (u *Uploader) Remove(tempID string) {
	u.remove(tempID)
}

// Items returns a snapshot of all tracked uploads.
func (u *Uploader) Items() []models.UploadItem {
	u.mu.Lock()
	defer u.mu.Unlock()
	items := make([]models.UploadItem, 0, len(u.items))
	for _, entry := range u.items {
		items = append(items, entry.item)
	}
	return items
}

// Item returns the tracked upload with the given id.
func (u *Uploader) Item(tempID string) (models.UploadItem, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	entry, exists := u.items[tempID]
	if !exists {
		return models.UploadItem{}, false
	}
	return entry.item, true
}

// report records progress, enforcing monotonicity, and forwards it.
func (u *Uploader) report(tempID string, progress int, onProgress ProgressFunc) {
	if progress > 100 {
		progress = 100
	}

	u.mu.Lock()
	entry, exists := u.items[tempID]
	if !exists || progress <= entry.item.Progress {
		u.mu.Unlock()
		return
	}
	entry.item.Progress = progress
	u.mu.Unlock()

	if onProgress != nil {
		onProgress(tempID, progress)
	}
}

func (u *Uploader) setStatus(tempID string, status models.UploadStatus, errText string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if entry, exists := u.items[tempID]; exists {
		entry.item.Status = status
		entry.item.Error = errText
	}
}

func (u *Uploader) bumpRetryCount(tempID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if entry, exists := u.items[tempID]; exists {
		entry.item.RetryCount++
	}
}

func (u *Uploader) remove(tempID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.items, tempID)
}
