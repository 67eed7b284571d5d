package model

import "time"

// Subscription is the plan block embedded in a device record.
type Subscription struct {
	PlanName              string `json:"PlanName"`
	IsActive              bool   `json:"IsActive"`
	TotalImagesUsed       int64  `json:"TotalImagesUsed"`
	IsPendingCancellation bool   `json:"IsPendingCancellation"`
}

// Device mirrors one entry of the upstream device list. The cloud is the
// source of truth: every field is replaced wholesale on each poll, identity
// is DeviceID alone.
type Device struct {
	DeviceID          int64         `json:"DeviceId"`
	Name              string        `json:"DeviceName"`
	DisplayName       string        `json:"DisplayName"`
	Model             string        `json:"Model"`
	SerialNumber      string        `json:"SerialNumber"`
	SoftwareVersion   string        `json:"SoftwareVersion"`
	MEID              string        `json:"MEID"`
	ModemID           int64         `json:"ModemId"`
	BatteryLevel      int           `json:"DeviceBatteryLevel"`
	SignalStrength    int           `json:"SignalStrength"`
	FreeStorageBytes  int64         `json:"FreeStorageBytes"`
	TotalStorageBytes int64         `json:"TotalStorageBytes"`
	Temperature       string        `json:"Temperature"`
	LatestActivity    time.Time     `json:"LatestActivity"`
	IsActive          bool          `json:"IsActive"`
	OnDemandEnabled   bool          `json:"OnDemandSwitchSetting"`
	CanUploadVideo    bool          `json:"CanUploadVideo"`
	HasPendingUpdates bool          `json:"HasPendingSettingsUpdates"`
	Subscription      *Subscription `json:"Subscription"`
}

// Capability flags derived from device fields. Presentation collaborators
// re-derive their surface from this set on every update event.
const (
	CapabilityOnDemand     = "on_demand"
	CapabilityVideoUpload  = "video_upload"
	CapabilitySubscription = "subscription"
)

// Capabilities returns the feature set the device currently reports.
func (d *Device) Capabilities() []string {
	caps := make([]string, 0, 3)
	if d.OnDemandEnabled && d.MEID != "" {
		caps = append(caps, CapabilityOnDemand)
	}
	if d.CanUploadVideo {
		caps = append(caps, CapabilityVideoUpload)
	}
	if d.Subscription != nil && d.Subscription.IsActive {
		caps = append(caps, CapabilitySubscription)
	}
	return caps
}
