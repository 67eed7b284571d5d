package model

import "time"

// CoordinatorStatus is the poll coordinator state machine.
type CoordinatorStatus string

const (
	StatusIdle           CoordinatorStatus = "idle"
	StatusPolling        CoordinatorStatus = "polling"
	StatusReauthRequired CoordinatorStatus = "reauth_required"
	StatusDisabled       CoordinatorStatus = "disabled"
)

// DeviceSnapshot is everything the bridge knows about one device after a
// cycle: attributes, flattened settings with pending overlays applied, the
// latest image and the merged pending flag.
type DeviceSnapshot struct {
	Device             Device                       `json:"device"`
	Settings           map[string]SettingDescriptor `json:"settings"`
	Groups             []SettingGroup               `json:"groups"`
	LatestImage        *ImageRecord                 `json:"latestImage,omitempty"`
	PendingRequests    []PendingRequest             `json:"pendingRequests,omitempty"`
	HasPendingSettings bool                         `json:"hasPendingSettings"`
	Capabilities       []string                     `json:"capabilities"`
	Stale              bool                         `json:"stale"`
	FetchedAt          time.Time                    `json:"fetchedAt"`
}

// Snapshot is one atomic publication of the device set. Readers never see a
// partially built snapshot; the coordinator swaps the whole value at the end
// of a cycle.
type Snapshot struct {
	GeneratedAt time.Time                 `json:"generatedAt"`
	Devices     map[int64]*DeviceSnapshot `json:"devices"`
}

// DeviceIDs returns the published device id set.
func (s *Snapshot) DeviceIDs() []int64 {
	if s == nil {
		return nil
	}
	ids := make([]int64, 0, len(s.Devices))
	for id := range s.Devices {
		ids = append(ids, id)
	}
	return ids
}

// ChangeType classifies a reconciler event.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeUpdated ChangeType = "updated"
)

// ChangeEvent is emitted once per device per cycle.
type ChangeEvent struct {
	Type     ChangeType `json:"type"`
	DeviceID int64      `json:"deviceId"`
}
