package apihttp

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	events "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/domain"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
)

const timeLayout = time.RFC3339

// PositionsHandler serves position history queries.
type PositionsHandler struct {
	repo positions.PositionRepository
}

// NewPositionsHandler constructs a PositionsHandler.
func NewPositionsHandler(repo positions.PositionRepository) *PositionsHandler {
	return &PositionsHandler{repo: repo}
}

// ServeHTTP handles GET /api/v1/positions.
func (h *PositionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.repo == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	deviceID, err := parseDeviceID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	list, err := h.repo.ListByDevice(r.Context(), deviceID, from, to)
	if err != nil {
		http.Error(w, "query positions error", http.StatusInternalServerError)
		return
	}
	views := make([]positionView, 0, len(list))
	for i := range list {
		views = append(views, toPositionView(&list[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// LatestPositionHandler serves the most recent fix per device.
type LatestPositionHandler struct {
	cache positions.LatestCache
}

// NewLatestPositionHandler constructs a LatestPositionHandler.
func NewLatestPositionHandler(cache positions.LatestCache) *LatestPositionHandler {
	return &LatestPositionHandler{cache: cache}
}

// ServeHTTP handles GET /api/v1/positions/latest.
func (h *LatestPositionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.cache == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	deviceID, err := parseDeviceID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	position, err := h.cache.GetLatest(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "query latest position error", http.StatusInternalServerError)
		return
	}
	if position == nil {
		http.Error(w, "no position for device", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toPositionView(position))
}

// EventsHandler serves derived event queries.
type EventsHandler struct {
	repo events.EventRepository
}

// NewEventsHandler constructs an EventsHandler.
func NewEventsHandler(repo events.EventRepository) *EventsHandler {
	return &EventsHandler{repo: repo}
}

// ServeHTTP handles GET /api/v1/events.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.repo == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	deviceID, err := parseDeviceID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	list, err := h.repo.ListByDevice(r.Context(), deviceID, from, to)
	if err != nil {
		http.Error(w, "query events error", http.StatusInternalServerError)
		return
	}
	views := make([]eventView, 0, len(list))
	for i := range list {
		views = append(views, toEventView(&list[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// UnknownDevicesHandler serves the unknown-device review list.
type UnknownDevicesHandler struct {
	repo devices.UnknownDeviceRepository
}

// NewUnknownDevicesHandler constructs an UnknownDevicesHandler.
func NewUnknownDevicesHandler(repo devices.UnknownDeviceRepository) *UnknownDevicesHandler {
	return &UnknownDevicesHandler{repo: repo}
}

// ServeHTTP handles GET /api/v1/devices/unknown.
func (h *UnknownDevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.repo == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	limit := 100
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	list, err := h.repo.List(r.Context(), limit)
	if err != nil {
		http.Error(w, "query unknown devices error", http.StatusInternalServerError)
		return
	}
	views := make([]unknownDeviceView, 0, len(list))
	for _, record := range list {
		views = append(views, unknownDeviceView{
			ID:              record.ID,
			ExternalID:      record.ExternalID,
			Protocol:        record.Protocol,
			Port:            record.Port,
			ClientAddress:   record.ClientAddress,
			FirstSeen:       record.FirstSeen,
			LastSeen:        record.LastSeen,
			ConnectionCount: record.ConnectionCount,
			IsRegistered:    record.IsRegistered,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// HealthHandler serves liveness probes.
type HealthHandler struct {
	db *sql.DB
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// ServeHTTP handles GET /healthz.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h != nil && h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type positionView struct {
	ID         int64                 `json:"id"`
	DeviceID   int64                 `json:"device_id,omitempty"`
	Protocol   string                `json:"protocol"`
	ServerTime time.Time             `json:"server_time"`
	DeviceTime time.Time             `json:"device_time"`
	Valid      bool                  `json:"valid"`
	Latitude   float64               `json:"latitude"`
	Longitude  float64               `json:"longitude"`
	Altitude   float64               `json:"altitude"`
	Speed      float64               `json:"speed"`
	Course     float64               `json:"course"`
	Attributes *positions.Attributes `json:"attributes,omitempty"`
}

type eventView struct {
	ID         int64             `json:"id"`
	DeviceID   int64             `json:"device_id"`
	PositionID int64             `json:"position_id,omitempty"`
	Type       string            `json:"type"`
	GeofenceID int64             `json:"geofence_id,omitempty"`
	ServerTime time.Time         `json:"server_time"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type unknownDeviceView struct {
	ID              int64     `json:"id"`
	ExternalID      string    `json:"external_id"`
	Protocol        string    `json:"protocol"`
	Port            int       `json:"port,omitempty"`
	ClientAddress   string    `json:"client_address,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	ConnectionCount int       `json:"connection_count"`
	IsRegistered    bool      `json:"is_registered"`
}

func toPositionView(p *positions.Position) positionView {
	return positionView{
		ID:         p.ID,
		DeviceID:   p.DeviceID,
		Protocol:   p.Protocol,
		ServerTime: p.ServerTime,
		DeviceTime: p.DeviceTime,
		Valid:      p.Valid,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Altitude:   p.Altitude,
		Speed:      p.Speed,
		Course:     p.Course,
		Attributes: p.Attributes,
	}
}

func toEventView(e *events.Event) eventView {
	return eventView{
		ID:         e.ID,
		DeviceID:   e.DeviceID,
		PositionID: e.PositionID,
		Type:       string(e.Type),
		GeofenceID: e.GeofenceID,
		ServerTime: e.ServerTime,
		Attributes: e.Attributes,
	}
}

func parseDeviceID(r *http.Request) (int64, error) {
	value := r.URL.Query().Get("device_id")
	if value == "" {
		return 0, errors.New("device_id is required")
	}
	deviceID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || deviceID <= 0 {
		return 0, errors.New("device_id must be a positive integer")
	}
	return deviceID, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
