package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// UploadRequest describes one file transfer. Reader is consumed exactly
// once per attempt; the caller re-opens the source when retrying.
type UploadRequest struct {
	RoomID      string
	TempID      string
	GroupID     string
	FileName    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// UploadResult is the server's acknowledgement of a stored file.
type UploadResult struct {
	MessageID      string `json:"messageId"`
	SequenceNumber int64  `json:"sequenceNumber"`
	FileURL        string `json:"fileUrl"`
	ThumbnailURL   string `json:"thumbnailUrl,omitempty"`
}

// UploadFile streams a file to the server as multipart form data.
// onProgress receives the physical transfer progress in percent of
// bytes written. Cancelling ctx aborts the in-flight request and tears
// down the connection, not just the wait.
func (c *Client) UploadFile(ctx context.Context, upload UploadRequest, onProgress func(int)) (*UploadResult, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := writeUploadForm(writer, upload, onProgress)
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	res, err := c.upload.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var result UploadResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"room_id":   upload.RoomID,
		"temp_id":   upload.TempID,
		"file_name": upload.FileName,
		"file_size": upload.Size,
	}).Debug("File uploaded")

	return &result, nil
}

func writeUploadForm(writer *multipart.Writer, upload UploadRequest, onProgress func(int)) error {
	fields := map[string]string{
		"roomId":  upload.RoomID,
		"tempId":  upload.TempID,
		"groupId": upload.GroupID,
		"type":    upload.ContentType,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	part, err := writer.CreateFormFile("file", upload.FileName)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	src := io.Reader(upload.Reader)
	if onProgress != nil && upload.Size > 0 {
		src = &progressReader{reader: upload.Reader, total: upload.Size, report: onProgress}
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("failed to copy file data: %w", err)
	}
	return nil
}

// progressReader reports percent-complete as bytes flow through it.
// Reports are deduplicated so a slow consumer sees at most 100 calls.
type progressReader struct {
	reader io.Reader
	total  int64
	sent   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		pct := int(p.sent * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
