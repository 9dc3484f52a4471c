package geofence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// earthRadiusM is the mean earth radius used for the haversine distance.
const earthRadiusM = 6371000.0

// geofence is a parsed area with an optional speed limit in knots.
type geofence struct {
	id         int64
	speedLimit float64
	circle     *circle
	polygon    []point
}

type circle struct {
	lat, lon, radiusM float64
}

type point struct {
	lat, lon float64
}

// Index answers geofence containment queries from an in-memory snapshot of
// the geofences and device links in Postgres. Reload refreshes the snapshot;
// lookups never touch the database.
type Index struct {
	db     *sql.DB
	logger *log.Logger

	mu       sync.RWMutex
	fences   map[int64]*geofence
	byDevice map[int64][]int64
}

// NewIndex constructs an index. Call Reload before first use.
func NewIndex(db *sql.DB, logger *log.Logger) (*Index, error) {
	if db == nil {
		return nil, errors.New("geofence index: nil db")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Index{
		db:       db,
		logger:   logger,
		fences:   make(map[int64]*geofence),
		byDevice: make(map[int64][]int64),
	}, nil
}

// Reload replaces the snapshot from the database. Geofences whose area text
// cannot be parsed are skipped with a log line.
func (x *Index) Reload(ctx context.Context) error {
	rows, err := x.db.QueryContext(ctx, `
SELECT id, area, speed_limit
FROM geofences`)
	if err != nil {
		return err
	}
	defer rows.Close()

	fences := make(map[int64]*geofence)
	for rows.Next() {
		var id int64
		var area string
		var speedLimit sql.NullFloat64
		if err := rows.Scan(&id, &area, &speedLimit); err != nil {
			return err
		}
		fence, err := parseArea(area)
		if err != nil {
			x.logger.Printf("geofence index: skip geofence %d: %v", id, err)
			continue
		}
		fence.id = id
		fence.speedLimit = speedLimit.Float64
		fences[id] = fence
	}
	if err := rows.Err(); err != nil {
		return err
	}

	linkRows, err := x.db.QueryContext(ctx, `
SELECT device_id, geofence_id
FROM device_geofences`)
	if err != nil {
		return err
	}
	defer linkRows.Close()

	byDevice := make(map[int64][]int64)
	for linkRows.Next() {
		var deviceID, geofenceID int64
		if err := linkRows.Scan(&deviceID, &geofenceID); err != nil {
			return err
		}
		if _, ok := fences[geofenceID]; !ok {
			continue
		}
		byDevice[deviceID] = append(byDevice[deviceID], geofenceID)
	}
	if err := linkRows.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	x.fences = fences
	x.byDevice = byDevice
	x.mu.Unlock()
	return nil
}

// Run reloads the snapshot on an interval until the context is cancelled.
func (x *Index) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := x.Reload(ctx); err != nil {
				x.logger.Printf("geofence index: reload: %v", err)
			}
		}
	}
}

// DeviceGeofences returns the ids of geofences associated with a device.
func (x *Index) DeviceGeofences(_ context.Context, deviceID int64) ([]int64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := x.byDevice[deviceID]
	out := make([]int64, len(ids))
	copy(out, ids)
	return out, nil
}

// ContainsPoint reports whether a geofence contains the coordinate.
func (x *Index) ContainsPoint(geofenceID int64, lat, lon float64) bool {
	x.mu.RLock()
	fence, ok := x.fences[geofenceID]
	x.mu.RUnlock()
	if !ok {
		return false
	}
	if fence.circle != nil {
		return haversineM(fence.circle.lat, fence.circle.lon, lat, lon) <= fence.circle.radiusM
	}
	return pointInPolygon(fence.polygon, lat, lon)
}

// SpeedLimit returns the geofence speed limit in knots, 0 when unset.
func (x *Index) SpeedLimit(geofenceID int64) float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if fence, ok := x.fences[geofenceID]; ok {
		return fence.speedLimit
	}
	return 0
}

// parseArea accepts the two stored area forms:
//
//	CIRCLE (lat lon, radius)
//	POLYGON ((lat lon, lat lon, ...))
func parseArea(area string) (*geofence, error) {
	trimmed := strings.TrimSpace(area)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "CIRCLE"):
		inner := strings.TrimSpace(trimmed[len("CIRCLE"):])
		inner = strings.TrimPrefix(inner, "(")
		inner = strings.TrimSuffix(inner, ")")
		parts := strings.Split(inner, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("geofence: malformed circle %q", area)
		}
		center, err := parsePoint(parts[0])
		if err != nil {
			return nil, err
		}
		radius, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || radius <= 0 {
			return nil, fmt.Errorf("geofence: invalid radius %q", parts[1])
		}
		return &geofence{circle: &circle{lat: center.lat, lon: center.lon, radiusM: radius}}, nil
	case strings.HasPrefix(upper, "POLYGON"):
		inner := strings.TrimSpace(trimmed[len("POLYGON"):])
		inner = strings.TrimPrefix(inner, "(")
		inner = strings.TrimSuffix(inner, ")")
		inner = strings.TrimSpace(inner)
		inner = strings.TrimPrefix(inner, "(")
		inner = strings.TrimSuffix(inner, ")")
		parts := strings.Split(inner, ",")
		if len(parts) < 3 {
			return nil, fmt.Errorf("geofence: polygon needs at least 3 vertices: %q", area)
		}
		polygon := make([]point, 0, len(parts))
		for _, part := range parts {
			vertex, err := parsePoint(part)
			if err != nil {
				return nil, err
			}
			polygon = append(polygon, vertex)
		}
		return &geofence{polygon: polygon}, nil
	default:
		return nil, fmt.Errorf("geofence: unknown area form %q", area)
	}
}

func parsePoint(raw string) (point, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) != 2 {
		return point{}, fmt.Errorf("geofence: malformed point %q", raw)
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return point{}, fmt.Errorf("geofence: invalid latitude %q", fields[0])
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return point{}, fmt.Errorf("geofence: invalid longitude %q", fields[1])
	}
	return point{lat: lat, lon: lon}, nil
}

func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

// pointInPolygon is the even-odd ray casting test over lat/lon treated as a
// plane, which is accurate enough at geofence scale.
func pointInPolygon(polygon []point, lat, lon float64) bool {
	inside := false
	n := len(polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := polygon[i], polygon[j]
		if (pi.lon > lon) != (pj.lon > lon) &&
			lat < (pj.lat-pi.lat)*(lon-pi.lon)/(pj.lon-pi.lon)+pi.lat {
			inside = !inside
		}
	}
	return inside
}
