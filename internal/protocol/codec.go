package protocol

import (
	"bufio"
	"time"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
)

// ClientInfo describes the transport endpoint a wire unit arrived from.
type ClientInfo struct {
	Protocol   string
	Transport  string
	RemoteAddr string
	Port       int
}

// PositionDraft is a decoded fix before device resolution. ExternalID is the
// canonical protocol-level identifier; codecs must reduce vendor-prefixed and
// bare-numeric forms to the same value.
type PositionDraft struct {
	ExternalID string
	DeviceTime time.Time
	Valid      bool
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Speed      float64
	Course     float64
	Attributes *positions.Attributes
}

// CommandAck is a decoded device acknowledgment for an in-flight command.
type CommandAck struct {
	ExternalID string
	Response   string
	Executed   bool
}

// Codec decodes wire units into position drafts and encodes commands into
// protocol-native bytes. Implementations must be safe for concurrent use.
type Codec interface {
	Name() string
	Decode(raw []byte, client ClientInfo) ([]PositionDraft, error)
	Encode(cmd *commands.Command, device *devices.Device) ([]byte, error)
	// SupportsAck reports whether the protocol delivers explicit command
	// acknowledgments. Without them the dispatcher treats a successful
	// transmission as delivered.
	SupportsAck() bool
}

// AckDecoder is implemented by codecs whose wire format carries command
// acknowledgments as distinct units.
type AckDecoder interface {
	DecodeAck(raw []byte) (*CommandAck, bool)
}

// Framer is implemented by codecs that need a non-default split of the
// inbound byte stream. The default frame is a newline-terminated line.
type Framer interface {
	SplitFunc() bufio.SplitFunc
}
