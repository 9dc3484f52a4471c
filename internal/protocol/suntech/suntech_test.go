package suntech

import (
	"bufio"
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

const sampleSTT = "ST300STT;907126119;04;1097B;20250908;12:44:33;33e530;-03.843813;-038.615475;000.013;000.00;11;1"

func TestDecodeStatusReport(t *testing.T) {
	codec := New()
	drafts, err := codec.Decode([]byte(sampleSTT), protocol.ClientInfo{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d", len(drafts))
	}
	draft := drafts[0]
	if draft.ExternalID != "907126119" {
		t.Fatalf("expected external id 907126119, got %s", draft.ExternalID)
	}
	if !draft.Valid {
		t.Fatalf("expected valid fix")
	}
	if draft.Latitude != -3.843813 || draft.Longitude != -38.615475 {
		t.Fatalf("unexpected coordinates %f,%f", draft.Latitude, draft.Longitude)
	}
	want := time.Date(2025, 9, 8, 12, 44, 33, 0, time.UTC)
	if !draft.DeviceTime.Equal(want) {
		t.Fatalf("expected device time %v, got %v", want, draft.DeviceTime)
	}
	if math.Abs(draft.Speed-0.013/1.852) > 1e-9 {
		t.Fatalf("expected speed in knots, got %f", draft.Speed)
	}
	if sat, _ := draft.Attributes.GetString(positions.AttrSatellites); sat != "11" {
		t.Fatalf("expected 11 satellites, got %q", sat)
	}
	if cell, _ := draft.Attributes.GetString("cell"); cell != "33e530" {
		t.Fatalf("expected cell attribute, got %q", cell)
	}
}

func TestDecodeBareIDPrefix(t *testing.T) {
	codec := New()
	bare := strings.TrimPrefix(sampleSTT, "ST300STT;")

	fromHeader, err := codec.Decode([]byte(sampleSTT), protocol.ClientInfo{})
	if err != nil {
		t.Fatalf("decode header form: %v", err)
	}
	fromBare, err := codec.Decode([]byte(bare), protocol.ClientInfo{})
	if err != nil {
		t.Fatalf("decode bare form: %v", err)
	}
	if fromHeader[0].ExternalID != fromBare[0].ExternalID {
		t.Fatalf("prefix forms resolve differently: %s vs %s",
			fromHeader[0].ExternalID, fromBare[0].ExternalID)
	}
	if fromHeader[0].Latitude != fromBare[0].Latitude {
		t.Fatalf("prefix forms decode different coordinates")
	}
}

func TestDecodeBadCoordinate(t *testing.T) {
	codec := New()
	unit := strings.Replace(sampleSTT, "-03.843813", "not-a-number", 1)
	_, err := codec.Decode([]byte(unit), protocol.ClientInfo{})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeKeepAliveYieldsNothing(t *testing.T) {
	codec := New()
	drafts, err := codec.Decode([]byte("ST300ALV;907126119"), protocol.ClientInfo{})
	if err != nil {
		t.Fatalf("decode keep-alive: %v", err)
	}
	if len(drafts) != 0 {
		t.Fatalf("expected no drafts for keep-alive, got %d", len(drafts))
	}
}

func TestDecodeUnknownPrefix(t *testing.T) {
	codec := New()
	_, err := codec.Decode([]byte("GT06;907126119;x"), protocol.ClientInfo{})
	if !errors.Is(err, protocol.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestDecodeEmergencyAlarm(t *testing.T) {
	codec := New()
	unit := "ST300EMG;907126119;04;1097B;20250908;12:44:33;33e530;-03.843813;-038.615475;000.013;000.00;11;1;0.1;12.3;1;2"
	drafts, err := codec.Decode([]byte(unit), protocol.ClientInfo{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	alarm, _ := drafts[0].Attributes.GetString(positions.AttrAlarm)
	if alarm != protocol.AlarmPowerCut {
		t.Fatalf("expected powerCut alarm, got %q", alarm)
	}
	ignition, ok := drafts[0].Attributes.GetBool(positions.AttrIgnition)
	if !ok || !ignition {
		t.Fatalf("expected ignition on from io field")
	}
}

func TestDecodeAck(t *testing.T) {
	codec := New()
	ack, ok := codec.DecodeAck([]byte("ST300RES;907126119;04;Disable1;Success"))
	if !ok {
		t.Fatalf("expected RES unit to be an ack")
	}
	if ack.ExternalID != "907126119" {
		t.Fatalf("expected external id 907126119, got %s", ack.ExternalID)
	}
	if !ack.Executed {
		t.Fatalf("expected executed ack")
	}
	if ack.Response != "04;Disable1;Success" {
		t.Fatalf("unexpected response %q", ack.Response)
	}
	if _, ok := codec.DecodeAck([]byte(sampleSTT)); ok {
		t.Fatalf("status report must not decode as ack")
	}
}

func TestEncodeCommands(t *testing.T) {
	codec := New()
	device := &devices.Device{ID: 1, ExternalID: "907126119", Protocol: ProtocolName}

	cases := []struct {
		cmd  commands.Command
		want string
	}{
		{commands.Command{Type: commands.TypeEngineStop}, "ST300CMD;907126119;02;Disable1\r"},
		{commands.Command{Type: commands.TypeEngineResume}, "ST300CMD;907126119;02;Enable1\r"},
		{commands.Command{Type: commands.TypeRebootDevice}, "ST300CMD;907126119;02;Reboot\r"},
		{commands.Command{Type: commands.TypePositionSingle}, "ST300CMD;907126119;02;StatusReq\r"},
		{
			commands.Command{Type: commands.TypeOutputControl, Parameters: map[string]string{"index": "2", "state": "0"}},
			"ST300CMD;907126119;02;Disable2\r",
		},
		{
			commands.Command{Type: commands.TypeCustom, Parameters: map[string]string{"data": "RawCmd"}},
			"ST300CMD;907126119;02;RawCmd\r",
		},
	}
	for _, tc := range cases {
		payload, err := codec.Encode(&tc.cmd, device)
		if err != nil {
			t.Fatalf("encode %s: %v", tc.cmd.Type, err)
		}
		if string(payload) != tc.want {
			t.Fatalf("encode %s: got %q, want %q", tc.cmd.Type, payload, tc.want)
		}
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	codec := New()
	device := &devices.Device{ID: 1, ExternalID: "907126119"}
	_, err := codec.Encode(&commands.Command{Type: commands.TypeAlarmArm}, device)
	if !errors.Is(err, protocol.ErrUnsupportedCommand) {
		t.Fatalf("expected unsupported command error, got %v", err)
	}
	_, err = codec.Encode(&commands.Command{Type: commands.TypeCustom}, device)
	if !errors.Is(err, protocol.ErrUnsupportedCommand) {
		t.Fatalf("expected unsupported command error for empty custom data, got %v", err)
	}
}

func TestSplitFuncFramesOnCR(t *testing.T) {
	codec := New()
	stream := sampleSTT + "\r" + "ST300ALV;907126119" + "\r"
	scanner := bufio.NewScanner(bytes.NewReader([]byte(stream)))
	scanner.Split(codec.SplitFunc())

	var frames []string
	for scanner.Scan() {
		frames = append(frames, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0] != sampleSTT {
		t.Fatalf("unexpected first frame %q", frames[0])
	}
}
