package models

import (
	"time"
)

// UploadStatus represents the lifecycle of a client-side pending upload
type UploadStatus string

const (
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusAnalyzing UploadStatus = "analyzing"
	UploadStatusReady     UploadStatus = "ready"
	UploadStatusError     UploadStatus = "error"
)

// MediaMetadata is the server-side analysis result for an uploaded file
type MediaMetadata struct {
	VideoCodec      string   `json:"video_codec"`
	DurationSeconds float64  `json:"duration_seconds"`
	AudioTracks     []string `json:"audio_tracks,omitempty"`
	SubtitleTracks  []string `json:"subtitle_tracks,omitempty"`
}

// PendingUpload is a file awaiting upload completion and server-side
// analysis before it can be submitted as a Job. The ID is generated
// client-side and is distinct from any job id.
type PendingUpload struct {
	ID             string         `json:"id"`
	Filename       string         `json:"filename"`
	Size           int64          `json:"size"`
	Status         UploadStatus   `json:"status"`
	UploadProgress int            `json:"upload_progress"` // 0-100
	RemoteID       string         `json:"remote_id,omitempty"`
	Metadata       *MediaMetadata `json:"metadata,omitempty"` // set only when ready
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// UploadAnalysis is the payload returned by the pending-upload metadata
// endpoint while the server analyzes an uploaded file.
type UploadAnalysis struct {
	Status   UploadStatus   `json:"status"` // analyzing, ready or error
	Metadata *MediaMetadata `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// AuthConfig is the remote auth-requirement payload
type AuthConfig struct {
	RequireAuth bool     `json:"require_auth"`
	Providers   []string `json:"providers,omitempty"`
	User        string   `json:"user,omitempty"`
}
