package models

// UploadState is the lifecycle state of an asynchronous file upload.
type UploadState string

// Upload states. Unknown is never stored: it is the reading-side
// interpretation of an absent coordinator key (evicted or never created)
// and is treated as terminal failure.
const (
	UploadStatePending   UploadState = "pending"
	UploadStateCompleted UploadState = "completed"
	UploadStateFailed    UploadState = "failed"
	UploadStateUnknown   UploadState = "unknown"
)

// Terminal reports whether the state will never change again.
func (s UploadState) Terminal() bool {
	return s == UploadStateCompleted || s == UploadStateFailed || s == UploadStateUnknown
}

// UploadStatus is the coordinator-published record for one upload, keyed by
// upload ID. Completed statuses carry the remote file reference.
type UploadStatus struct {
	State    UploadState   `json:"status"`
	Filename string        `json:"filename"`
	Unix     int64         `json:"timestamp"`
	Result   *UploadResult `json:"result"`
}

// UploadResult is the payload of a completed upload.
type UploadResult struct {
	Type       string `json:"type"` // "google_cloud" or "other"
	URI        string `json:"uri,omitempty"`
	Name       string `json:"name,omitempty"`
	CreateTime string `json:"create_time,omitempty"`
	Value      string `json:"value,omitempty"`
}

// UploadResultTypeGoogleCloud tags results referencing the model-file API.
const UploadResultTypeGoogleCloud = "google_cloud"

// UploadResultTypeOther tags opaque results from other backends.
const UploadResultTypeOther = "other"

// RemoteRef converts a completed status into a Remote image reference.
// Returns false when the status carries no usable result.
func (s *UploadStatus) RemoteRef() (ImageRef, bool) {
	if s == nil || s.State != UploadStateCompleted || s.Result == nil {
		return ImageRef{}, false
	}
	if s.Result.URI == "" {
		return ImageRef{}, false
	}
	return RemoteRef(s.Result.URI, s.Result.Name, s.Result.CreateTime), true
}
