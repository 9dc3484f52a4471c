// Package owntracks implements the OwnTracks JSON protocol as delivered over
// MQTT. Only `_type: location` payloads carry a fix; other message types are
// ignored.
package owntracks

import (
	"encoding/json"
	"time"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

// ProtocolName identifies the codec in the registry and on positions.
const ProtocolName = "owntracks"

const kmhPerKnot = 1.852

// Codec implements protocol.Codec for OwnTracks JSON payloads.
type Codec struct{}

// New constructs the codec.
func New() *Codec { return &Codec{} }

// Name returns the registry key.
func (*Codec) Name() string { return ProtocolName }

// SupportsAck is false: the broker path carries no command acknowledgments.
func (*Codec) SupportsAck() bool { return false }

type locationMessage struct {
	Type      string   `json:"_type"`
	TrackerID string   `json:"tid"`
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lon"`
	Timestamp int64    `json:"tst"`
	VelocityK float64  `json:"vel"`
	Course    float64  `json:"cog"`
	Altitude  float64  `json:"alt"`
	Battery   *int     `json:"batt"`
	Accuracy  float64  `json:"acc"`
	Trigger   string   `json:"t"`
}

// Decode parses one JSON payload into at most one position draft.
func (c *Codec) Decode(raw []byte, _ protocol.ClientInfo) ([]protocol.PositionDraft, error) {
	var msg locationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, protocol.Decodef("owntracks: bad json: %v", err)
	}
	if msg.Type != "location" {
		return nil, nil
	}
	if msg.TrackerID == "" {
		return nil, protocol.Decodef("owntracks: missing tid")
	}
	if msg.Latitude == nil || msg.Longitude == nil {
		return nil, protocol.Validationf("owntracks: missing coordinates")
	}
	if msg.Timestamp <= 0 {
		return nil, protocol.Validationf("owntracks: missing tst")
	}

	attrs := positions.NewAttributes()
	if msg.Battery != nil {
		attrs.SetInt(positions.AttrBattery, int64(*msg.Battery))
	}
	if msg.Accuracy > 0 {
		attrs.SetFloat(positions.AttrAccuracy, msg.Accuracy)
	}
	if msg.Trigger != "" {
		attrs.Set(positions.AttrEvent, msg.Trigger)
	}

	draft := protocol.PositionDraft{
		ExternalID: msg.TrackerID,
		DeviceTime: time.Unix(msg.Timestamp, 0).UTC(),
		Valid:      true,
		Latitude:   *msg.Latitude,
		Longitude:  *msg.Longitude,
		Altitude:   msg.Altitude,
		Speed:      msg.VelocityK / kmhPerKnot,
		Course:     msg.Course,
		Attributes: attrs,
	}
	return []protocol.PositionDraft{draft}, nil
}

// Encode always fails: commands are not deliverable through the broker path.
func (c *Codec) Encode(cmd *commands.Command, _ *devices.Device) ([]byte, error) {
	return nil, protocol.ErrUnsupportedCommand
}
