// Package osmand implements the HTTP query-parameter telemetry protocol used
// by phone tracking clients. A unit is the url-encoded query string of one
// request, e.g. id=907126119&lat=-3.84&lon=-38.61&timestamp=1694175873&speed=0.
package osmand

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

// ProtocolName identifies the codec in the registry and on positions.
const ProtocolName = "osmand"

// Codec implements protocol.Codec over HTTP query parameters.
type Codec struct{}

// New constructs the codec.
func New() *Codec { return &Codec{} }

// Name returns the registry key.
func (*Codec) Name() string { return ProtocolName }

// SupportsAck is false: requests are one-shot, there is no ack channel.
func (*Codec) SupportsAck() bool { return false }

// Decode parses one request query string into a single position draft.
func (c *Codec) Decode(raw []byte, _ protocol.ClientInfo) ([]protocol.PositionDraft, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, protocol.Decodef("osmand: bad query: %v", err)
	}

	externalID := firstValue(values, "id", "deviceid")
	if externalID == "" {
		return nil, protocol.Decodef("osmand: missing id")
	}

	latRaw, lonRaw := firstValue(values, "lat"), firstValue(values, "lon")
	if location := firstValue(values, "location"); location != "" && (latRaw == "" || lonRaw == "") {
		parts := strings.SplitN(location, ",", 2)
		if len(parts) == 2 {
			latRaw, lonRaw = parts[0], parts[1]
		}
	}
	latitude, err := parseRequiredFloat("latitude", latRaw)
	if err != nil {
		return nil, err
	}
	longitude, err := parseRequiredFloat("longitude", lonRaw)
	if err != nil {
		return nil, err
	}

	deviceTime, err := parseTimestamp(firstValue(values, "timestamp", "fixtime"))
	if err != nil {
		return nil, err
	}

	draft := protocol.PositionDraft{
		ExternalID: externalID,
		DeviceTime: deviceTime,
		Valid:      firstValue(values, "valid") != "false",
		Latitude:   latitude,
		Longitude:  longitude,
		Attributes: positions.NewAttributes(),
	}
	if raw := firstValue(values, "speed"); raw != "" {
		speed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, protocol.Validationf("osmand: bad speed %q", raw)
		}
		draft.Speed = speed
	}
	if raw := firstValue(values, "bearing", "heading"); raw != "" {
		if course, err := strconv.ParseFloat(raw, 64); err == nil {
			draft.Course = course
		}
	}
	if raw := firstValue(values, "altitude"); raw != "" {
		if altitude, err := strconv.ParseFloat(raw, 64); err == nil {
			draft.Altitude = altitude
		}
	}
	if raw := firstValue(values, "batt"); raw != "" {
		draft.Attributes.Set(positions.AttrBattery, raw)
	}
	if raw := firstValue(values, "hdop"); raw != "" {
		draft.Attributes.Set(positions.AttrHDOP, raw)
	}
	if raw := firstValue(values, "accuracy"); raw != "" {
		draft.Attributes.Set(positions.AttrAccuracy, raw)
	}
	if raw := firstValue(values, "alarm"); raw != "" {
		draft.Attributes.Set(positions.AttrAlarm, raw)
	}

	return []protocol.PositionDraft{draft}, nil
}

// Encode always fails: the transport has no outbound channel to the device.
func (c *Codec) Encode(cmd *commands.Command, _ *devices.Device) ([]byte, error) {
	return nil, protocol.ErrUnsupportedCommand
}

func firstValue(values url.Values, keys ...string) string {
	for _, key := range keys {
		if value := values.Get(key); value != "" {
			return value
		}
	}
	return ""
}

func parseRequiredFloat(name, raw string) (float64, error) {
	if raw == "" {
		return 0, protocol.Validationf("osmand: missing %s", name)
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, protocol.Validationf("osmand: bad %s %q", name, raw)
	}
	return parsed, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, protocol.Validationf("osmand: missing timestamp")
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Accept milliseconds or seconds.
		if seconds > 1_000_000_000_000 {
			return time.UnixMilli(seconds).UTC(), nil
		}
		return time.Unix(seconds, 0).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, protocol.Validationf("osmand: bad timestamp %q", raw)
	}
	return parsed.UTC(), nil
}
