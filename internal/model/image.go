package model

import "time"

// ImageRecord is one image-search result. Records are immutable once
// fetched; the coordinator keeps only the most recent per device.
type ImageRecord struct {
	ID               string    `json:"id"`
	DeviceID         int64     `json:"cameraId"`
	TakenOn          time.Time `json:"takenOn"`
	StoredOn         time.Time `json:"storedOn"`
	IsVideo          bool      `json:"isVideo"`
	Resolution       string    `json:"resolution"`
	Temperature      string    `json:"temperature"`
	Flash            bool      `json:"flash"`
	IsOnDemand       bool      `json:"IsOnDemand"`
	ImageURL         string    `json:"imageUrl"`
	EnhancedImageURL string    `json:"enhancedImageUrl"`
	VideoURL         string    `json:"videoUrl,omitempty"`
}

// NewerThan reports whether r was taken after other. A nil other always
// loses so a first image replaces an empty cache slot.
func (r *ImageRecord) NewerThan(other *ImageRecord) bool {
	if r == nil {
		return false
	}
	if other == nil {
		return true
	}
	return r.TakenOn.After(other.TakenOn)
}

// Capture kinds accepted by RequestCapture plus the enrichment kinds the
// pending-ids endpoint reports for requests issued elsewhere.
const (
	CaptureKindPhoto     = "photo"
	CaptureKindVideo     = "video"
	CaptureKindHighRes   = "high_res"
	CaptureKindVideoClip = "video_clip"
)

// PendingRequest tracks an in-flight on-demand or enrichment request until
// it is observed fulfilled or times out.
type PendingRequest struct {
	ID            string        `json:"id"`
	DeviceID      int64         `json:"deviceId"`
	Kind          string        `json:"kind"`
	TargetImageID string        `json:"targetImageId,omitempty"`
	SubmittedAt   time.Time     `json:"submittedAt"`
	CheckAfter    time.Duration `json:"checkAfter"`
}

// DueForCheck reports whether enough time has passed to ask upstream about
// this request.
func (p *PendingRequest) DueForCheck(now time.Time) bool {
	return now.Sub(p.SubmittedAt) >= p.CheckAfter
}

// ExpiredAt reports whether the request outlived the given timeout without
// being observed fulfilled.
func (p *PendingRequest) ExpiredAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.SubmittedAt) > timeout
}
