package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveKind(t *testing.T) {
	cases := []struct {
		name string
		desc SettingDescriptor
		want string
	}{
		{"explicit toggle", SettingDescriptor{Kind: SettingKindToggle}, SettingKindToggle},
		{"options imply dropdown", SettingDescriptor{Options: []SettingOption{{Value: "1"}}}, SettingKindDropdown},
		{"T value implies toggle", SettingDescriptor{Value: ToggleOn}, SettingKindToggle},
		{"F value implies toggle", SettingDescriptor{Value: ToggleOff}, SettingKindToggle},
		{"fallback is text", SettingDescriptor{Value: "Ridge Cam"}, SettingKindText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.desc.EffectiveKind())
		})
	}
}

func TestPending(t *testing.T) {
	now := time.Now()
	assert.False(t, (&SettingDescriptor{}).Pending())
	assert.True(t, (&SettingDescriptor{LastUserUpdate: now}).Pending())
	assert.True(t, (&SettingDescriptor{LastUserUpdate: now, LastDeviceConfirm: now.Add(-time.Hour)}).Pending())
	assert.False(t, (&SettingDescriptor{LastUserUpdate: now.Add(-time.Hour), LastDeviceConfirm: now}).Pending())
}

func TestFlattenSettings(t *testing.T) {
	raw := `[
		{"GroupName":"General","Settings":[
			{"SettingShortText":"MD","Name":"Motion Detect","Value":"T"},
			{"SettingShortText":"","Name":"Nameless","Value":"x"}
		]},
		{"GroupName":"Photo","Settings":[
			{"SettingShortText":"RES","Name":"Resolution","Value":"2","Options":[{"Text":"Low","Value":"1"},{"Text":"High","Value":"2"}]}
		]}
	]`
	var groups []SettingGroup
	require.NoError(t, json.Unmarshal([]byte(raw), &groups))

	flat := FlattenSettings(groups)
	require.Len(t, flat, 2)
	assert.Equal(t, "Motion Detect", flat["MD"].Name)
	res := flat["RES"]
	assert.Equal(t, "High", res.OptionText())
}

func TestDeviceCapabilities(t *testing.T) {
	device := Device{OnDemandEnabled: true, MEID: "meid", CanUploadVideo: true, Subscription: &Subscription{IsActive: true}}
	assert.ElementsMatch(t, []string{CapabilityOnDemand, CapabilityVideoUpload, CapabilitySubscription}, device.Capabilities())

	// On-demand needs a modem identity, not just the switch.
	device = Device{OnDemandEnabled: true}
	assert.Empty(t, device.Capabilities())
}
