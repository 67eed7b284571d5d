package model

import "time"

// Setting kinds. Upstream sometimes omits SettingType, so EffectiveKind
// falls back to inferring from the option list and value shape.
const (
	SettingKindText     = "text"
	SettingKindToggle   = "toggle"
	SettingKindDropdown = "dropdown"
)

// Toggle settings encode their value as "T"/"F" on the wire.
const (
	ToggleOn  = "T"
	ToggleOff = "F"
)

// SettingOption is one dropdown choice, display text plus wire value.
type SettingOption struct {
	Text  string `json:"Text"`
	Value string `json:"Value"`
}

// SettingDescriptor is a single camera configuration parameter as reported
// by the grouped-settings endpoint.
type SettingDescriptor struct {
	ID                int64           `json:"SettingId"`
	ShortCode         string          `json:"SettingShortText"`
	Name              string          `json:"Name"`
	Kind              string          `json:"SettingType"`
	Value             string          `json:"Value"`
	Options           []SettingOption `json:"Options"`
	MinLength         int             `json:"MinLength"`
	MaxLength         int             `json:"MaxLength"`
	LastUserUpdate    time.Time       `json:"LastUserUpdateDate"`
	LastDeviceConfirm time.Time       `json:"LastDeviceUpdateDate"`
}

// SettingGroup is a named category of settings (general, photo, video, ...).
type SettingGroup struct {
	GroupName string              `json:"GroupName"`
	Settings  []SettingDescriptor `json:"Settings"`
}

// EffectiveKind normalizes the reported kind, inferring one when absent.
func (s *SettingDescriptor) EffectiveKind() string {
	switch s.Kind {
	case SettingKindText, SettingKindToggle, SettingKindDropdown:
		return s.Kind
	}
	if len(s.Options) > 0 {
		return SettingKindDropdown
	}
	if s.Value == ToggleOn || s.Value == ToggleOff {
		return SettingKindToggle
	}
	return SettingKindText
}

// Pending reports whether the device has yet to confirm the last user write.
func (s *SettingDescriptor) Pending() bool {
	if s.LastUserUpdate.IsZero() {
		return false
	}
	if s.LastDeviceConfirm.IsZero() {
		return true
	}
	return s.LastUserUpdate.After(s.LastDeviceConfirm)
}

// OptionText resolves the display text for the current value, falling back
// to the raw value for free-form settings.
func (s *SettingDescriptor) OptionText() string {
	for _, opt := range s.Options {
		if opt.Value == s.Value {
			return opt.Text
		}
	}
	return s.Value
}

// FlattenSettings builds a short-code lookup from grouped settings.
func FlattenSettings(groups []SettingGroup) map[string]SettingDescriptor {
	flat := make(map[string]SettingDescriptor)
	for _, group := range groups {
		for _, setting := range group.Settings {
			if setting.ShortCode != "" {
				flat[setting.ShortCode] = setting
			}
		}
	}
	return flat
}
