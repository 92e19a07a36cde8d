package models

// UploadStatus is the lifecycle state of a tracked upload.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadInFlight  UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// UploadItem is one file transfer tracked by the upload pipeline. ID is
// the client-generated temp id, which is also the correlation key used
// to replace the optimistic message once the server confirms it.
type UploadItem struct {
	ID         string       `json:"id"`
	RoomID     string       `json:"roomId"`
	FileName   string       `json:"fileName"`
	Size       int64        `json:"size"`
	Progress   int          `json:"progress"` // 0..100
	Status     UploadStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	RetryCount int          `json:"retryCount"`
	GroupID    string       `json:"groupId,omitempty"`
}
