package model

import "time"

// Event log entry types.
const (
	EventDeviceAdded      = "device_added"
	EventDeviceRemoved    = "device_removed"
	EventDeviceUpdated    = "device_updated"
	EventCaptureRequested = "capture_requested"
	EventSettingWritten   = "setting_written"
)

// EventLogEntry records one coordinator event for later inspection.
type EventLogEntry struct {
	ID        uint64    `json:"id"`
	DeviceID  int64     `json:"deviceId"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventLogFilter describes query parameters for event searching.
type EventLogFilter struct {
	DeviceID  int64
	Type      string
	BeginTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// EventLogPage is the paginated payload returned to the frontend.
type EventLogPage struct {
	Data     []*EventLogEntry `json:"data"`
	Total    int              `json:"total"`
	Pages    int              `json:"pages"`
	PageNum  int              `json:"pageNum"`
	PageSize int              `json:"pageSize"`
}
