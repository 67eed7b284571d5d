package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trailcam-labs/trailcam-bridge/internal/model"
	"github.com/trailcam-labs/trailcam-bridge/internal/moultrie"
	"github.com/trailcam-labs/trailcam-bridge/internal/storage"
)

// API is the slice of the cloud client the coordinator drives.
type API interface {
	Devices(ctx context.Context) ([]model.Device, error)
	GroupedSettings(ctx context.Context, cameraID int64) ([]model.SettingGroup, error)
	SaveSettings(ctx context.Context, cameraID, modemID int64, changes []moultrie.SettingChange) (bool, error)
	OnDemand(ctx context.Context, meid, eventType string) (*moultrie.OnDemandResult, error)
	LatestImage(ctx context.Context, cameraID int64) (*model.ImageRecord, error)
	PendingRequests(ctx context.Context, deviceID int64) (*moultrie.PendingIDs, error)
}

// TokenSource is the authenticator surface the coordinator needs.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	NeedsReauth() bool
}

// Coordinator drives one polling cycle at a time for one account: token
// check, device fetch, per-device settings/image fetch, reconciliation and
// a single atomic snapshot swap. Timer ticks arriving mid-cycle are
// skipped, never queued.
type Coordinator struct {
	accountID string
	client    API
	tokens    TokenSource
	store     storage.Store
	recon     *Reconciler
	syncr     *Synchronizer
	interval  time.Duration

	// Notify, when set, receives the change events of each cycle after the
	// snapshot has been published.
	Notify func([]model.ChangeEvent)

	runMu sync.Mutex // held for the duration of one cycle

	mu          sync.RWMutex
	snapshot    *model.Snapshot
	status      model.CoordinatorStatus
	lastErr     error
	lastCycleAt time.Time
	images      map[int64]*model.ImageRecord
	pendingReqs map[int64][]model.PendingRequest
	restored    bool
}

// How long an unfulfilled capture or enrichment request is tracked before
// being dropped.
const pendingRequestTimeout = 15 * time.Minute

const defaultCheckAfter = 60 * time.Second

// New builds a Coordinator. The interval defaults to five minutes.
func New(accountID string, client API, tokens TokenSource, store storage.Store, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Coordinator{
		accountID:   accountID,
		client:      client,
		tokens:      tokens,
		store:       store,
		recon:       NewReconciler(),
		syncr:       NewSynchronizer(),
		interval:    interval,
		status:      model.StatusIdle,
		images:      make(map[int64]*model.ImageRecord),
		pendingReqs: make(map[int64][]model.PendingRequest),
	}
}

// Run polls on a fixed timer until ctx is cancelled. An immediate first
// cycle primes the snapshot.
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.restore(ctx); err != nil {
		slog.Warn("restore image cache", "account", c.accountID, "error", err)
	}
	if err := c.RunCycle(ctx); err != nil {
		slog.Warn("initial poll cycle", "account", c.accountID, "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.setStatus(model.StatusDisabled)
			return
		case <-ticker.C:
			if c.Status() == model.StatusReauthRequired && c.tokens.NeedsReauth() {
				slog.Debug("poll suppressed, reauthentication required", "account", c.accountID)
				continue
			}
			if err := c.RunCycle(ctx); err != nil {
				slog.Warn("poll cycle", "account", c.accountID, "error", err)
			}
		}
	}
}

// RefreshNow triggers an on-demand cycle. When a cycle is already in
// progress its result is considered fresh enough and no second one starts.
func (c *Coordinator) RefreshNow(ctx context.Context) error {
	return c.RunCycle(ctx)
}

// RunCycle executes one bounded polling cycle.
func (c *Coordinator) RunCycle(ctx context.Context) error {
	if !c.runMu.TryLock() {
		slog.Debug("cycle already in progress, skipping", "account", c.accountID)
		return nil
	}
	defer c.runMu.Unlock()

	c.setStatus(model.StatusPolling)
	err := c.cycle(ctx)
	switch {
	case err == nil:
		c.finishCycle(nil, model.StatusIdle)
	case moultrie.IsKind(err, moultrie.KindInvalidGrant):
		c.finishCycle(err, model.StatusReauthRequired)
	default:
		// Stale-but-valid: the previous snapshot stays published.
		c.finishCycle(err, model.StatusIdle)
	}
	return err
}

func (c *Coordinator) cycle(ctx context.Context) error {
	if c.tokens.NeedsReauth() {
		return &moultrie.Error{Kind: moultrie.KindInvalidGrant, Op: "cycle", Message: "reauthentication required"}
	}
	if _, err := c.tokens.EnsureValid(ctx); err != nil {
		return fmt.Errorf("ensure token: %w", err)
	}

	devices, err := c.client.Devices(ctx)
	if err != nil {
		return fmt.Errorf("fetch devices: %w", err)
	}

	prev := c.Snapshot()
	next := &model.Snapshot{
		GeneratedAt: time.Now().UTC(),
		Devices:     make(map[int64]*model.DeviceSnapshot, len(devices)),
	}
	for _, device := range devices {
		next.Devices[device.DeviceID] = c.collectDevice(ctx, device, prev)
	}

	events := c.recon.Reconcile(devices)
	for _, event := range events {
		if event.Type == model.ChangeRemoved {
			c.forgetDevice(ctx, event.DeviceID)
		}
	}
	c.recordEvents(ctx, events)

	c.mu.Lock()
	c.snapshot = next
	c.mu.Unlock()

	if c.Notify != nil {
		c.Notify(events)
	}
	slog.Info("poll cycle complete", "account", c.accountID, "devices", len(devices), "events", len(events))
	return nil
}

// collectDevice fetches settings, latest image and pending-request state
// for one device. Failures here are isolated: the device keeps its prior
// data, flagged stale, and the cycle continues for the rest.
func (c *Coordinator) collectDevice(ctx context.Context, device model.Device, prev *model.Snapshot) *model.DeviceSnapshot {
	var prior *model.DeviceSnapshot
	if prev != nil {
		prior = prev.Devices[device.DeviceID]
	}

	groups, err := c.client.GroupedSettings(ctx, device.DeviceID)
	if err != nil {
		slog.Warn("fetch settings", "account", c.accountID, "device", device.DeviceID, "error", err)
		return c.staleSnapshot(device, prior)
	}
	flat := model.FlattenSettings(groups)
	c.syncr.Absorb(device.DeviceID, flat)
	c.syncr.Overlay(device.DeviceID, flat)

	latest := c.mergeImage(ctx, device.DeviceID, prior)
	pending := c.reconcilePendingRequests(ctx, device.DeviceID, latest)

	return &model.DeviceSnapshot{
		Device:             device,
		Settings:           flat,
		Groups:             groups,
		LatestImage:        latest,
		PendingRequests:    pending,
		HasPendingSettings: c.syncr.HasPending(device.DeviceID, device.HasPendingUpdates),
		Capabilities:       device.Capabilities(),
		FetchedAt:          time.Now().UTC(),
	}
}

func (c *Coordinator) staleSnapshot(device model.Device, prior *model.DeviceSnapshot) *model.DeviceSnapshot {
	snap := &model.DeviceSnapshot{
		Device:             device,
		Settings:           map[string]model.SettingDescriptor{},
		HasPendingSettings: c.syncr.HasPending(device.DeviceID, device.HasPendingUpdates),
		Capabilities:       device.Capabilities(),
		Stale:              true,
		FetchedAt:          time.Now().UTC(),
	}
	if prior != nil {
		snap.Settings = prior.Settings
		snap.Groups = prior.Groups
		snap.LatestImage = prior.LatestImage
		snap.PendingRequests = prior.PendingRequests
		snap.FetchedAt = prior.FetchedAt
	}
	return snap
}

// mergeImage fetches the newest image and folds it into the per-device
// cache, preferring stale data over none when the fetch fails.
func (c *Coordinator) mergeImage(ctx context.Context, deviceID int64, prior *model.DeviceSnapshot) *model.ImageRecord {
	c.mu.RLock()
	cached := c.images[deviceID]
	c.mu.RUnlock()

	latest, err := c.client.LatestImage(ctx, deviceID)
	if err != nil {
		slog.Warn("fetch latest image", "account", c.accountID, "device", deviceID, "error", err)
		if cached != nil {
			return cached
		}
		if prior != nil {
			return prior.LatestImage
		}
		return nil
	}
	if latest == nil {
		return cached
	}
	if latest.NewerThan(cached) {
		c.mu.Lock()
		c.images[deviceID] = latest
		c.mu.Unlock()
		if err := c.store.UpsertImage(ctx, latest); err != nil {
			slog.Warn("cache image", "device", deviceID, "error", err)
		}
		return latest
	}
	return cached
}

// reconcilePendingRequests drops fulfilled or expired tracked requests and
// adopts enrichment requests the upstream reports that were issued
// elsewhere (the mobile app).
func (c *Coordinator) reconcilePendingRequests(ctx context.Context, deviceID int64, latest *model.ImageRecord) []model.PendingRequest {
	now := time.Now().UTC()

	c.mu.RLock()
	tracked := append([]model.PendingRequest(nil), c.pendingReqs[deviceID]...)
	c.mu.RUnlock()

	// Fetched every cycle so enrichment requests issued from the mobile app
	// show up too, not only the ones tracked here.
	upstream, err := c.client.PendingRequests(ctx, deviceID)
	if err != nil {
		slog.Debug("fetch pending ids", "device", deviceID, "error", err)
		upstream = nil
	}

	keep := tracked[:0]
	for _, req := range tracked {
		if req.ExpiredAt(now, pendingRequestTimeout) {
			slog.Info("pending request timed out", "device", deviceID, "kind", req.Kind)
			continue
		}
		switch req.Kind {
		case model.CaptureKindPhoto, model.CaptureKindVideo:
			if latest != nil && latest.IsOnDemand && !latest.TakenOn.Before(req.SubmittedAt) {
				slog.Info("on-demand capture fulfilled", "device", deviceID, "kind", req.Kind)
				continue
			}
		case model.CaptureKindHighRes:
			if upstream != nil && req.DueForCheck(now) && !contains(upstream.HighResImageIDs, req.TargetImageID) {
				continue
			}
		case model.CaptureKindVideoClip:
			if upstream != nil && req.DueForCheck(now) && !contains(upstream.VideoIDs, req.TargetImageID) {
				continue
			}
		}
		keep = append(keep, req)
	}
	if upstream != nil {
		keep = adoptUpstream(keep, deviceID, model.CaptureKindHighRes, upstream.HighResImageIDs, now)
		keep = adoptUpstream(keep, deviceID, model.CaptureKindVideoClip, upstream.VideoIDs, now)
	}

	c.mu.Lock()
	if len(keep) == 0 {
		delete(c.pendingReqs, deviceID)
	} else {
		c.pendingReqs[deviceID] = keep
	}
	c.mu.Unlock()
	return append([]model.PendingRequest(nil), keep...)
}

func adoptUpstream(reqs []model.PendingRequest, deviceID int64, kind string, ids []string, now time.Time) []model.PendingRequest {
	for _, id := range ids {
		found := false
		for _, req := range reqs {
			if req.Kind == kind && req.TargetImageID == id {
				found = true
				break
			}
		}
		if !found {
			reqs = append(reqs, model.PendingRequest{
				ID:            uuid.NewString(),
				DeviceID:      deviceID,
				Kind:          kind,
				TargetImageID: id,
				SubmittedAt:   now,
				CheckAfter:    defaultCheckAfter,
			})
		}
	}
	return reqs
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// RequestCapture asks a camera for an out-of-schedule photo or video and
// tracks the resulting pending request.
func (c *Coordinator) RequestCapture(ctx context.Context, deviceID int64, kind string) (*model.PendingRequest, error) {
	var eventType string
	switch kind {
	case model.CaptureKindPhoto:
		eventType = "image"
	case model.CaptureKindVideo:
		eventType = "video"
	default:
		return nil, moultrie.InvalidValuef("capture kind %q is not requestable", kind)
	}

	snap := c.Device(deviceID)
	if snap == nil {
		return nil, moultrie.NotFoundf("device %d is not known", deviceID)
	}
	device := snap.Device
	if !device.OnDemandEnabled || device.MEID == "" {
		return nil, moultrie.InvalidValuef("device %d does not support on-demand capture", deviceID)
	}
	if kind == model.CaptureKindVideo && !device.CanUploadVideo {
		return nil, moultrie.InvalidValuef("device %d cannot upload video", deviceID)
	}

	result, err := c.client.OnDemand(ctx, device.MEID, eventType)
	if err != nil {
		return nil, err
	}
	checkAfter := defaultCheckAfter
	if result.CheckAfterSeconds > 0 {
		checkAfter = time.Duration(result.CheckAfterSeconds) * time.Second
	}
	req := model.PendingRequest{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Kind:        kind,
		SubmittedAt: time.Now().UTC(),
		CheckAfter:  checkAfter,
	}
	c.mu.Lock()
	c.pendingReqs[deviceID] = append(c.pendingReqs[deviceID], req)
	c.mu.Unlock()

	c.appendEvent(ctx, &model.EventLogEntry{
		DeviceID: deviceID,
		Type:     model.EventCaptureRequested,
		Detail:   kind,
	})
	slog.Info("on-demand capture requested", "account", c.accountID, "device", deviceID, "kind", kind)
	return &req, nil
}

// WriteSetting validates and issues one setting write. The overlay stays
// pending until a later fetch confirms it; a rejected write clears it.
func (c *Coordinator) WriteSetting(ctx context.Context, deviceID int64, shortCode, value string) error {
	snap := c.Device(deviceID)
	if snap == nil {
		return moultrie.NotFoundf("device %d is not known", deviceID)
	}
	desc, ok := snap.Settings[shortCode]
	if !ok {
		return moultrie.NotFoundf("device %d has no setting %s", deviceID, shortCode)
	}
	if err := Validate(desc, value); err != nil {
		return err
	}

	c.syncr.MarkPending(deviceID, shortCode, value)
	saved, err := c.client.SaveSettings(ctx, deviceID, snap.Device.ModemID, []moultrie.SettingChange{
		{ShortCode: shortCode, Value: value},
	})
	if err != nil {
		if moultrie.KindOf(err) == moultrie.KindClient {
			// The write is known rejected; nothing is pending anymore.
			c.syncr.ClearPending(deviceID, shortCode)
		}
		return err
	}
	if !saved {
		c.syncr.ClearPending(deviceID, shortCode)
		return &moultrie.Error{Kind: moultrie.KindClient, Op: "save settings", Message: "upstream refused the settings save"}
	}

	c.overlaySnapshot(deviceID, shortCode)
	c.appendEvent(ctx, &model.EventLogEntry{
		DeviceID: deviceID,
		Type:     model.EventSettingWritten,
		Detail:   shortCode + "=" + value,
	})
	return nil
}

// overlaySnapshot re-publishes the device snapshot with the fresh pending
// overlay so readers see the write before the next poll confirms it.
func (c *Coordinator) overlaySnapshot(deviceID int64, shortCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return
	}
	prior, ok := c.snapshot.Devices[deviceID]
	if !ok {
		return
	}
	settings := make(map[string]model.SettingDescriptor, len(prior.Settings))
	for code, desc := range prior.Settings {
		settings[code] = desc
	}
	c.syncr.Overlay(deviceID, settings)

	updated := *prior
	updated.Settings = settings
	updated.HasPendingSettings = c.syncr.HasPending(deviceID, prior.Device.HasPendingUpdates)

	devices := make(map[int64]*model.DeviceSnapshot, len(c.snapshot.Devices))
	for id, snap := range c.snapshot.Devices {
		devices[id] = snap
	}
	devices[deviceID] = &updated
	c.snapshot = &model.Snapshot{GeneratedAt: c.snapshot.GeneratedAt, Devices: devices}
}

// Snapshot returns the last published snapshot, nil before the first
// successful cycle.
func (c *Coordinator) Snapshot() *model.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Device returns the published snapshot for one device, nil when unknown.
func (c *Coordinator) Device(deviceID int64) *model.DeviceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return nil
	}
	return c.snapshot.Devices[deviceID]
}

// Status returns the coordinator status.
func (c *Coordinator) Status() model.CoordinatorStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastError returns the error of the most recent cycle, nil on success.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastCycleAt returns when the most recent cycle finished.
func (c *Coordinator) LastCycleAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCycleAt
}

// Close marks the coordinator disabled; in-flight cycles finish but no new
// writes should target removed devices afterwards.
func (c *Coordinator) Close() {
	c.setStatus(model.StatusDisabled)
}

func (c *Coordinator) setStatus(status model.CoordinatorStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *Coordinator) finishCycle(err error, status model.CoordinatorStatus) {
	c.mu.Lock()
	c.lastErr = err
	c.status = status
	c.lastCycleAt = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Coordinator) forgetDevice(ctx context.Context, deviceID int64) {
	c.syncr.Forget(deviceID)
	c.mu.Lock()
	delete(c.images, deviceID)
	delete(c.pendingReqs, deviceID)
	c.mu.Unlock()
	if err := c.store.DeleteImage(ctx, deviceID); err != nil {
		slog.Warn("drop cached image", "device", deviceID, "error", err)
	}
}

func (c *Coordinator) recordEvents(ctx context.Context, events []model.ChangeEvent) {
	for _, event := range events {
		entryType := model.EventDeviceUpdated
		switch event.Type {
		case model.ChangeAdded:
			entryType = model.EventDeviceAdded
		case model.ChangeRemoved:
			entryType = model.EventDeviceRemoved
		}
		c.appendEvent(ctx, &model.EventLogEntry{DeviceID: event.DeviceID, Type: entryType})
	}
}

func (c *Coordinator) appendEvent(ctx context.Context, entry *model.EventLogEntry) {
	if err := c.store.AppendEventLog(ctx, entry); err != nil {
		slog.Warn("append event log", "type", entry.Type, "device", entry.DeviceID, "error", err)
	}
}

// restore reloads the persisted latest-image cache after a cold start.
func (c *Coordinator) restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restored {
		return nil
	}
	c.restored = true
	images, err := c.store.ListImages(ctx)
	if err != nil {
		return err
	}
	for _, image := range images {
		c.images[image.DeviceID] = image
	}
	return nil
}
