package coordinator

import (
	"sort"

	"github.com/trailcam-labs/trailcam-bridge/internal/model"
)

// Reconciler diffs each fetched device list against the locally known set.
// The cloud list is the source of truth, so a device missing from a single
// response is removed immediately, no grace period.
type Reconciler struct {
	known map[int64]struct{}
}

// NewReconciler starts with an empty known set; the first reconcile reports
// every device as added.
func NewReconciler() *Reconciler {
	return &Reconciler{known: make(map[int64]struct{})}
}

// Reconcile replaces the known set with the fetched list and returns the
// resulting events in deterministic order. Surviving devices always get an
// updated event since attributes are replaced wholesale each cycle.
func (r *Reconciler) Reconcile(devices []model.Device) []model.ChangeEvent {
	current := make(map[int64]struct{}, len(devices))
	for _, device := range devices {
		current[device.DeviceID] = struct{}{}
	}

	var events []model.ChangeEvent
	for id := range current {
		if _, ok := r.known[id]; ok {
			events = append(events, model.ChangeEvent{Type: model.ChangeUpdated, DeviceID: id})
		} else {
			events = append(events, model.ChangeEvent{Type: model.ChangeAdded, DeviceID: id})
		}
	}
	for id := range r.known {
		if _, ok := current[id]; !ok {
			events = append(events, model.ChangeEvent{Type: model.ChangeRemoved, DeviceID: id})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].DeviceID != events[j].DeviceID {
			return events[i].DeviceID < events[j].DeviceID
		}
		return events[i].Type < events[j].Type
	})

	r.known = current
	return events
}

// Known returns the currently tracked device ids.
func (r *Reconciler) Known() []int64 {
	ids := make([]int64, 0, len(r.known))
	for id := range r.known {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
