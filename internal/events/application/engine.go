// Package application holds the rule engine deriving behavioral events from
// incoming positions. Evaluators are pure: they read the previous device
// snapshot and the new position, and return event drafts plus the updated
// derived state. Persistence is the caller's job.
package application

import (
	"context"
	"errors"
	"strconv"

	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	events "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/domain"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
)

// Default thresholds, in knots.
const (
	DefaultMotionThreshold = 0.54 // ~1 km/h
	DefaultOverspeedMargin = 1.0
)

// GeofenceIndex is the external collaborator answering containment queries.
// The engine never evaluates polygons itself.
type GeofenceIndex interface {
	// DeviceGeofences returns the ids of geofences associated with a device.
	DeviceGeofences(ctx context.Context, deviceID int64) ([]int64, error)
	// ContainsPoint reports whether a geofence contains the coordinate.
	ContainsPoint(geofenceID int64, lat, lon float64) bool
	// SpeedLimit returns the geofence speed limit in knots, 0 when unset.
	SpeedLimit(geofenceID int64) float64
}

// DeviceState is the snapshot the engine evaluates against. GeofenceIDs and
// Ignition come from the device's previous position.
type DeviceState struct {
	Status      string
	MotionState bool
	Overspeed   bool
	SpeedLimit  float64
	Ignition    *bool
	GeofenceIDs []int64
}

// Engine runs the rule evaluators in a fixed order per position:
// status, motion, overspeed, ignition, alarm, geofence.
type Engine struct {
	geofences       GeofenceIndex
	motionThreshold float64
	overspeedMargin float64
}

// EngineOption customizes thresholds.
type EngineOption func(*Engine)

// WithMotionThreshold overrides the motion speed threshold (knots).
func WithMotionThreshold(threshold float64) EngineOption {
	return func(e *Engine) {
		if threshold > 0 {
			e.motionThreshold = threshold
		}
	}
}

// WithOverspeedMargin overrides the margin added to the speed limit (knots).
func WithOverspeedMargin(margin float64) EngineOption {
	return func(e *Engine) {
		if margin >= 0 {
			e.overspeedMargin = margin
		}
	}
}

// NewEngine constructs the engine. The geofence index may be nil, disabling
// the geofence rules.
func NewEngine(geofences GeofenceIndex, opts ...EngineOption) *Engine {
	engine := &Engine{
		geofences:       geofences,
		motionThreshold: DefaultMotionThreshold,
		overspeedMargin: DefaultOverspeedMargin,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Evaluate runs all rules over (state, position) and returns event drafts in
// rule order together with the updated state. It never touches storage.
func (e *Engine) Evaluate(ctx context.Context, state DeviceState, position *positions.Position) ([]events.Event, DeviceState, error) {
	if position == nil || position.DeviceID == 0 {
		return nil, state, errors.New("rules: position without device")
	}

	next := state
	next.GeofenceIDs = append([]int64(nil), state.GeofenceIDs...)
	var drafts []events.Event

	emit := func(eventType events.Type, attrs map[string]string) {
		drafts = append(drafts, events.Event{
			DeviceID:   position.DeviceID,
			PositionID: position.ID,
			Type:       eventType,
			ServerTime: position.ServerTime,
			Attributes: attrs,
		})
	}

	// 1. Status transition. Position arrival always means online.
	if state.Status != devices.StatusOnline {
		emit(events.TypeDeviceOnline, nil)
	}
	next.Status = devices.StatusOnline

	// 2. Motion. The flag suppresses repeated starts while motion continues.
	moving := position.Speed >= e.motionThreshold
	if moving && !state.MotionState {
		emit(events.TypeMotionStart, nil)
	}
	if !moving && state.MotionState {
		emit(events.TypeMotionStop, nil)
	}
	next.MotionState = moving

	// Geofence containment is computed before overspeed so a geofence speed
	// limit applies to the position that entered it.
	currentGeofences := e.currentGeofences(ctx, position, state.GeofenceIDs)

	// 3. Overspeed against device limit or the strictest geofence limit.
	limit := e.effectiveSpeedLimit(state.SpeedLimit, currentGeofences)
	if limit > 0 {
		over := position.Speed > limit+e.overspeedMargin
		if over && !state.Overspeed {
			emit(events.TypeOverspeedStart, map[string]string{"speedLimit": formatFloat(limit)})
		}
		if !over && state.Overspeed && position.Speed <= limit {
			emit(events.TypeOverspeedEnd, nil)
		}
		if over {
			next.Overspeed = true
		} else if position.Speed <= limit {
			next.Overspeed = false
		}
	}

	// 4. Ignition from the attribute bit, on change only.
	if ignition, ok := position.Attributes.GetBool(positions.AttrIgnition); ok {
		if state.Ignition == nil || *state.Ignition != ignition {
			if ignition {
				emit(events.TypeIgnitionOn, nil)
			} else {
				emit(events.TypeIgnitionOff, nil)
			}
		}
		next.Ignition = &ignition
	}

	// 5. Alarm passes through verbatim.
	if alarm, ok := position.Attributes.GetString(positions.AttrAlarm); ok && alarm != "" {
		emit(events.TypeAlarm, map[string]string{positions.AttrAlarm: alarm})
	}

	// 6. Geofence enter/exit against the previous position's containment set.
	for _, id := range diffGeofences(currentGeofences, state.GeofenceIDs) {
		drafts = append(drafts, events.Event{
			DeviceID:   position.DeviceID,
			PositionID: position.ID,
			Type:       events.TypeGeofenceEnter,
			GeofenceID: id,
			ServerTime: position.ServerTime,
		})
	}
	for _, id := range diffGeofences(state.GeofenceIDs, currentGeofences) {
		drafts = append(drafts, events.Event{
			DeviceID:   position.DeviceID,
			PositionID: position.ID,
			Type:       events.TypeGeofenceExit,
			GeofenceID: id,
			ServerTime: position.ServerTime,
		})
	}
	next.GeofenceIDs = currentGeofences

	return drafts, next, nil
}

func (e *Engine) currentGeofences(ctx context.Context, position *positions.Position, previous []int64) []int64 {
	if e.geofences == nil {
		return nil
	}
	candidates, err := e.geofences.DeviceGeofences(ctx, position.DeviceID)
	if err != nil {
		// Containment is best effort; a failed lookup must not reject the fix.
		// Keep the last known set so the failure does not fake an exit.
		return previous
	}
	var inside []int64
	for _, id := range candidates {
		if e.geofences.ContainsPoint(id, position.Latitude, position.Longitude) {
			inside = append(inside, id)
		}
	}
	return inside
}

func (e *Engine) effectiveSpeedLimit(deviceLimit float64, geofenceIDs []int64) float64 {
	limit := deviceLimit
	if e.geofences == nil {
		return limit
	}
	for _, id := range geofenceIDs {
		if geofenceLimit := e.geofences.SpeedLimit(id); geofenceLimit > 0 {
			if limit == 0 || geofenceLimit < limit {
				limit = geofenceLimit
			}
		}
	}
	return limit
}

// diffGeofences returns ids present in a but not in b.
func diffGeofences(a, b []int64) []int64 {
	var out []int64
	for _, id := range a {
		found := false
		for _, other := range b {
			if id == other {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
