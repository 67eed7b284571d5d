package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/trailcam-labs/trailcam-bridge/internal/auth"
	"github.com/trailcam-labs/trailcam-bridge/internal/config"
	"github.com/trailcam-labs/trailcam-bridge/internal/coordinator"
	"github.com/trailcam-labs/trailcam-bridge/internal/model"
	"github.com/trailcam-labs/trailcam-bridge/internal/moultrie"
	"github.com/trailcam-labs/trailcam-bridge/internal/service"
)

// Server wires HTTP handlers.
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	authSvc  *service.AuthService
	eventSvc *service.EventLogService
	session  *auth.Authenticator
	client   *moultrie.Client
	coord    *coordinator.Coordinator

	imageMu    sync.Mutex
	imageCache map[string][]byte
	imageKeys  []string
}

const imageCacheEntries = 32

// New builds a server instance.
func New(cfg *config.Config, authSvc *service.AuthService, eventSvc *service.EventLogService, session *auth.Authenticator, client *moultrie.Client, coord *coordinator.Coordinator) *Server {
	app := fiber.New(fiber.Config{
		IdleTimeout:  cfg.HTTP.ReadTimeout,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		AppName:      "trailcam-bridge",
	})
	s := &Server{
		app:        app,
		cfg:        cfg,
		authSvc:    authSvc,
		eventSvc:   eventSvc,
		session:    session,
		client:     client,
		coord:      coord,
		imageCache: make(map[string][]byte),
	}
	s.registerRoutes()
	return s
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	api := s.app.Group("/api", s.requireAuth)
	api.Get("/status", s.handleStatus)
	api.Post("/refresh", s.handleRefresh)

	api.Post("/session/pkce", s.handlePKCE)
	api.Post("/session/exchange", s.handleExchange)

	api.Get("/devices", s.handleDevices)
	api.Get("/devices/:id", s.handleDevice)
	api.Get("/devices/:id/image", s.handleDeviceImage)
	api.Post("/devices/:id/capture", s.handleCapture)
	api.Put("/devices/:id/settings/:code", s.handleWriteSetting)

	api.Get("/account", s.handleAccount)
	api.Get("/notifications/unread", s.handleUnreadNotifications)

	events := api.Group("/events")
	events.Get("/list", s.handleEventList)
	events.Get("/count/date", s.handleEventCountDate)
	events.Get("/count/type", s.handleEventCountType)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status":  "ok",
		"session": s.session.State().String(),
		"poll":    string(s.coord.Status()),
	})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(model.Error("malformed request body"))
	}
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("authentication disabled", fiber.Map{
			"token":    "",
			"enabled":  false,
			"username": "guest",
		}))
	}
	token, err := s.authSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("login ok", fiber.Map{
		"token":    token,
		"enabled":  true,
		"username": s.authSvc.Username(),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("ok", fiber.Map{
			"enabled":  false,
			"username": "guest",
		}))
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("session expired"))
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"enabled":  true,
		"username": claims.Username,
	}))
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	snapshot := s.coord.Snapshot()
	payload := fiber.Map{
		"session":     s.session.State().String(),
		"poll":        string(s.coord.Status()),
		"lastCycleAt": s.coord.LastCycleAt(),
		"devices":     len(snapshot.DeviceIDs()),
	}
	if err := s.coord.LastError(); err != nil {
		payload["lastError"] = err.Error()
	}
	return c.JSON(model.Success("ok", payload))
}

func (s *Server) handleRefresh(c *fiber.Ctx) error {
	if err := s.coord.RefreshNow(c.Context()); err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(model.Success("refresh complete", nil))
}

func (s *Server) handlePKCE(c *fiber.Ctx) error {
	material, err := auth.GeneratePKCE()
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", material))
}

func (s *Server) handleExchange(c *fiber.Ctx) error {
	var req struct {
		Code     string `json:"code"`
		Verifier string `json:"verifier"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(model.Error("malformed request body"))
	}
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.Verifier) == "" {
		return c.Status(http.StatusBadRequest).JSON(model.Error("code and verifier are required"))
	}
	if _, err := s.session.Exchange(c.Context(), req.Code, req.Verifier); err != nil {
		return s.apiError(c, err)
	}
	// Prime the snapshot with the fresh session right away.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = s.coord.RefreshNow(ctx)
	}()
	return c.JSON(model.Success("session established", fiber.Map{
		"state": s.session.State().String(),
	}))
}

func (s *Server) handleDevices(c *fiber.Ctx) error {
	snapshot := s.coord.Snapshot()
	if snapshot == nil {
		return c.JSON(model.Success("ok", []any{}))
	}
	ids := snapshot.DeviceIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	devices := make([]*model.DeviceSnapshot, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, snapshot.Devices[id])
	}
	return c.JSON(model.Success("ok", devices))
}

func (s *Server) handleDevice(c *fiber.Ctx) error {
	id, err := parseDeviceID(c)
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("invalid device id"))
	}
	snap := s.coord.Device(id)
	if snap == nil {
		return c.Status(http.StatusNotFound).JSON(model.Error("device not found"))
	}
	return c.JSON(model.Success("ok", snap))
}

// handleDeviceImage proxies the latest image from the upstream CDN so local
// consumers never need upstream credentials or direct CDN reachability.
func (s *Server) handleDeviceImage(c *fiber.Ctx) error {
	id, err := parseDeviceID(c)
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("invalid device id"))
	}
	snap := s.coord.Device(id)
	if snap == nil {
		return c.Status(http.StatusNotFound).JSON(model.Error("device not found"))
	}
	if snap.LatestImage == nil {
		return c.Status(http.StatusNotFound).JSON(model.Error("device has no image yet"))
	}
	imageURL := snap.LatestImage.ImageURL
	if c.QueryBool("enhanced") && snap.LatestImage.EnhancedImageURL != "" {
		imageURL = snap.LatestImage.EnhancedImageURL
	}
	if imageURL == "" {
		return c.Status(http.StatusNotFound).JSON(model.Error("image url missing"))
	}

	if data, ok := s.cachedImage(imageURL); ok {
		c.Set(fiber.HeaderContentType, http.DetectContentType(data))
		return c.Send(data)
	}
	data, err := s.client.FetchImage(c.Context(), imageURL)
	if err != nil {
		return s.apiError(c, err)
	}
	s.cacheImage(imageURL, data)
	c.Set(fiber.HeaderContentType, http.DetectContentType(data))
	return c.Send(data)
}

func (s *Server) handleCapture(c *fiber.Ctx) error {
	id, err := parseDeviceID(c)
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("invalid device id"))
	}
	var req struct {
		Kind string `json:"kind"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(model.Error("malformed request body"))
	}
	pending, err := s.coord.RequestCapture(c.Context(), id, req.Kind)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(model.Success("capture requested", pending))
}

func (s *Server) handleWriteSetting(c *fiber.Ctx) error {
	id, err := parseDeviceID(c)
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("invalid device id"))
	}
	code := c.Params("code")
	var req struct {
		Value string `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(model.Error("malformed request body"))
	}
	if err := s.coord.WriteSetting(c.Context(), id, code, req.Value); err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(model.Success("setting saved", fiber.Map{
		"deviceId": id,
		"code":     code,
		"value":    req.Value,
	}))
}

func (s *Server) handleAccount(c *fiber.Ctx) error {
	account, err := s.client.Account(c.Context())
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(model.Success("ok", account))
}

func (s *Server) handleUnreadNotifications(c *fiber.Ctx) error {
	unread, err := s.client.HasUnreadNotifications(c.Context())
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(model.Success("ok", fiber.Map{"unread": unread}))
}

func (s *Server) handleEventList(c *fiber.Ctx) error {
	filter := parseEventFilter(c)
	page, err := s.eventSvc.Query(c.Context(), filter)
	if err != nil {
		return c.JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", page))
}

func (s *Server) handleEventCountDate(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	dateType := c.Query("dateType", "day")
	data, err := s.eventSvc.CountByDate(c.Context(), dateType, begin, end)
	if err != nil {
		return c.JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", data))
}

func (s *Server) handleEventCountType(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	data, err := s.eventSvc.CountByType(c.Context(), begin, end)
	if err != nil {
		return c.JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", data))
}

// apiError maps upstream error kinds to HTTP statuses.
func (s *Server) apiError(c *fiber.Ctx, err error) error {
	status := http.StatusBadGateway
	switch moultrie.KindOf(err) {
	case moultrie.KindInvalidValue:
		status = http.StatusBadRequest
	case moultrie.KindNotFound:
		status = http.StatusNotFound
	case moultrie.KindInvalidGrant, moultrie.KindUnauthorized:
		status = http.StatusConflict
	case moultrie.KindRateLimited:
		status = http.StatusTooManyRequests
	case moultrie.KindClient:
		status = http.StatusBadRequest
	}
	return c.Status(status).JSON(model.Error(err.Error()))
}

func (s *Server) cachedImage(url string) ([]byte, bool) {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	data, ok := s.imageCache[url]
	return data, ok
}

func (s *Server) cacheImage(url string, data []byte) {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	if _, ok := s.imageCache[url]; ok {
		return
	}
	// Evict oldest entries when full; image URLs rotate each capture so the
	// cache only needs to cover the current snapshot.
	for len(s.imageKeys) >= imageCacheEntries {
		delete(s.imageCache, s.imageKeys[0])
		s.imageKeys = s.imageKeys[1:]
	}
	s.imageCache[url] = data
	s.imageKeys = append(s.imageKeys, url)
}

func parseDeviceID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

func parseEventFilter(c *fiber.Ctx) model.EventLogFilter {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("pageSize", "10"))
	deviceID, _ := strconv.ParseInt(c.Query("deviceId"), 10, 64)
	begin, end := parseTimeRange(c)
	return model.EventLogFilter{
		DeviceID:  deviceID,
		Type:      c.Query("type"),
		BeginTime: begin,
		EndTime:   end,
		Page:      page,
		PageSize:  pageSize,
	}
}

func parseTimeRange(c *fiber.Ctx) (*time.Time, *time.Time) {
	begin := parseTime(c.Query("beginTime"))
	end := parseTime(c.Query("endTime"))
	return begin, end
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.Next()
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("session expired"))
	}
	c.Locals("username", claims.Username)
	return c.Next()
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
