// Package suntech implements the ST300-family delimited text protocol.
// Inbound units are ';'-separated records terminated by CR, e.g.
//
//	ST300STT;907126119;04;1097B;20250908;12:44:33;33e530;-03.843813;-038.615475;000.013;000.00;11;1;...
//
// The prefix is either a vendor header (model + report type) or the bare
// numeric device id; both resolve to the same canonical identifier.
package suntech

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

// ProtocolName identifies the codec in the registry and on positions.
const ProtocolName = "suntech"

const kmhPerKnot = 1.852

// Report types carried in the vendor header.
const (
	reportStatus    = "STT"
	reportEmergency = "EMG"
	reportEvent     = "EVT"
	reportAlert     = "ALT"
	reportKeepAlive = "ALV"
	reportCommand   = "CMD"
	reportResponse  = "RES"
)

// Vendor alarm codes mapped to canonical alarm names. Unlisted codes are
// passed through verbatim.
var alarmCodes = map[string]string{
	"1":  protocol.AlarmSOS,
	"2":  protocol.AlarmPowerCut,
	"3":  protocol.AlarmLowBattery,
	"4":  protocol.AlarmShock,
	"5":  protocol.AlarmMovement,
	"6":  protocol.AlarmGPSJamming,
	"40": protocol.AlarmHardBraking,
	"41": protocol.AlarmAcceleration,
	"46": protocol.AlarmTampering,
	"47": protocol.AlarmTow,
}

// Codec implements protocol.Codec for the Suntech text protocol.
type Codec struct{}

// New constructs the codec.
func New() *Codec { return &Codec{} }

// Name returns the registry key.
func (*Codec) Name() string { return ProtocolName }

// SupportsAck is true: the device confirms commands with CMD/RES units.
func (*Codec) SupportsAck() bool { return true }

// SplitFunc frames units on CR or LF; devices terminate records with CR.
func (*Codec) SplitFunc() bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if idx := bytes.IndexAny(data, "\r\n"); idx >= 0 {
			return idx + 1, bytes.TrimSpace(data[:idx]), nil
		}
		if atEOF && len(data) > 0 {
			return len(data), bytes.TrimSpace(data), nil
		}
		return 0, nil, nil
	}
}

// Decode parses one record into at most one position draft. Keep-alive and
// command-response units yield an empty batch.
func (c *Codec) Decode(raw []byte, _ protocol.ClientInfo) ([]protocol.PositionDraft, error) {
	unit := strings.TrimSpace(string(raw))
	if unit == "" {
		return nil, protocol.Decodef("empty unit")
	}
	fields := strings.Split(unit, ";")

	report, externalID, rest, err := splitHeader(fields)
	if err != nil {
		return nil, err
	}
	switch report {
	case reportKeepAlive, reportCommand, reportResponse:
		return nil, nil
	}
	// model, sw, date, time, cell, lat, lon, speed, course, sat, fix
	if len(rest) < 11 {
		return nil, protocol.Decodef("suntech: %s unit has %d fields", report, len(fields))
	}

	deviceTime, err := parseTimestamp(rest[2], rest[3])
	if err != nil {
		return nil, err
	}
	latitude, err := parseCoordinate("latitude", rest[5])
	if err != nil {
		return nil, err
	}
	longitude, err := parseCoordinate("longitude", rest[6])
	if err != nil {
		return nil, err
	}
	speedKmh, err := strconv.ParseFloat(rest[7], 64)
	if err != nil {
		return nil, protocol.Validationf("suntech: bad speed %q", rest[7])
	}
	course, err := strconv.ParseFloat(rest[8], 64)
	if err != nil {
		return nil, protocol.Validationf("suntech: bad course %q", rest[8])
	}

	attrs := positions.NewAttributes()
	attrs.Set(positions.AttrSatellites, rest[9])
	if rest[4] != "" {
		attrs.Set("cell", rest[4])
	}
	if len(rest) > 11 && rest[11] != "" {
		attrs.Set(positions.AttrDistance, rest[11])
	}
	if len(rest) > 12 && rest[12] != "" {
		attrs.Set(positions.AttrPower, rest[12])
	}
	if len(rest) > 13 && rest[13] != "" {
		attrs.Set(positions.AttrIO, rest[13])
		attrs.SetBool(positions.AttrIgnition, rest[13][0] == '1')
	}

	switch report {
	case reportEmergency, reportAlert:
		code := ""
		if len(rest) > 14 {
			code = rest[14]
		}
		attrs.Set(positions.AttrAlarm, mapAlarm(report, code))
	case reportEvent:
		if len(rest) > 14 && rest[14] != "" {
			attrs.Set(positions.AttrEvent, rest[14])
		}
	}

	draft := protocol.PositionDraft{
		ExternalID: externalID,
		DeviceTime: deviceTime,
		Valid:      rest[10] == "1",
		Latitude:   latitude,
		Longitude:  longitude,
		Speed:      speedKmh / kmhPerKnot,
		Course:     course,
		Attributes: attrs,
	}
	return []protocol.PositionDraft{draft}, nil
}

// DecodeAck recognizes CMD/RES units as command acknowledgments.
func (c *Codec) DecodeAck(raw []byte) (*protocol.CommandAck, bool) {
	fields := strings.Split(strings.TrimSpace(string(raw)), ";")
	report, externalID, rest, err := splitHeader(fields)
	if err != nil {
		return nil, false
	}
	if report != reportCommand && report != reportResponse {
		return nil, false
	}
	return &protocol.CommandAck{
		ExternalID: externalID,
		Response:   strings.Join(rest, ";"),
		Executed:   true,
	}, true
}

// Encode builds the vendor command string for supported command types.
func (c *Codec) Encode(cmd *commands.Command, device *devices.Device) ([]byte, error) {
	if cmd == nil || device == nil {
		return nil, protocol.ErrUnsupportedCommand
	}
	var body string
	switch cmd.Type {
	case commands.TypePositionSingle:
		body = "StatusReq"
	case commands.TypeRebootDevice:
		body = "Reboot"
	case commands.TypeEngineStop:
		body = "Disable1"
	case commands.TypeEngineResume:
		body = "Enable1"
	case commands.TypeOutputControl:
		index := cmd.Parameters["index"]
		if index == "" {
			index = "1"
		}
		if cmd.Parameters["state"] == "0" {
			body = "Disable" + index
		} else {
			body = "Enable" + index
		}
	case commands.TypeCustom:
		body = cmd.Parameters["data"]
		if body == "" {
			return nil, fmt.Errorf("%w: custom command without data", protocol.ErrUnsupportedCommand)
		}
	default:
		return nil, fmt.Errorf("%w: %s for %s", protocol.ErrUnsupportedCommand, cmd.Type, ProtocolName)
	}
	return []byte(fmt.Sprintf("ST300CMD;%s;02;%s\r", device.ExternalID, body)), nil
}

// splitHeader resolves the unit prefix. A vendor header like ST300STT carries
// the report type and is followed by the device id; a bare numeric prefix is
// the device id itself and implies a status report.
func splitHeader(fields []string) (report, externalID string, rest []string, err error) {
	if len(fields) == 0 || fields[0] == "" {
		return "", "", nil, protocol.Decodef("suntech: missing prefix")
	}
	prefix := fields[0]
	if isDigits(prefix) {
		return reportStatus, prefix, fields[1:], nil
	}
	if !strings.HasPrefix(prefix, "ST") || len(prefix) < 5 {
		return "", "", nil, protocol.Decodef("suntech: unrecognized prefix %q", prefix)
	}
	report = prefix[len(prefix)-3:]
	switch report {
	case reportStatus, reportEmergency, reportEvent, reportAlert,
		reportKeepAlive, reportCommand, reportResponse:
	default:
		return "", "", nil, protocol.Decodef("suntech: unknown report type %q", report)
	}
	if len(fields) < 2 || !isDigits(fields[1]) {
		return "", "", nil, protocol.Decodef("suntech: missing device id after header %q", prefix)
	}
	return report, fields[1], fields[2:], nil
}

func parseTimestamp(date, clock string) (time.Time, error) {
	parsed, err := time.Parse("20060102 15:04:05", date+" "+clock)
	if err != nil {
		return time.Time{}, protocol.Validationf("suntech: bad timestamp %q %q", date, clock)
	}
	return parsed.UTC(), nil
}

func parseCoordinate(name, value string) (float64, error) {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, protocol.Validationf("suntech: bad %s %q", name, value)
	}
	return parsed, nil
}

func mapAlarm(report, code string) string {
	if name, ok := alarmCodes[code]; ok {
		return name
	}
	if code != "" {
		return code
	}
	if report == reportEmergency {
		return protocol.AlarmSOS
	}
	return protocol.AlarmMovement
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
