package protocol

import "fmt"

// SettingID identifies a connection parameter carried in a SETTINGS frame.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// String returns the string representation of the setting.
func (id SettingID) String() string {
	switch id {
	case SettingHeaderTableSize:
		return "HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "MAX_HEADER_LIST_SIZE"
	default:
		return fmt.Sprintf("UNKNOWN_SETTING_%d", uint16(id))
	}
}

// settingSize is the wire size of one identifier/value pair.
const settingSize = 6

// Setting is one identifier/value pair.
type Setting struct {
	ID  SettingID
	Val uint32
}

func (s Setting) String() string {
	return fmt.Sprintf("%s=%d", s.ID, s.Val)
}

// Valid checks the value range of known settings. Violations are connection
// errors: FLOW_CONTROL_ERROR for the window size, PROTOCOL_ERROR otherwise.
func (s Setting) Valid() error {
	switch s.ID {
	case SettingEnablePush:
		if s.Val > 1 {
			return NewConnectionError(ErrCodeProtocol, "ENABLE_PUSH must be 0 or 1")
		}
	case SettingInitialWindowSize:
		if s.Val > MaxStreamID {
			return NewConnectionError(ErrCodeFlowControl, "INITIAL_WINDOW_SIZE above 2^31-1")
		}
	case SettingMaxFrameSize:
		if s.Val < DefaultMaxFrameSize || s.Val > MaxFrameSizeLimit {
			return NewConnectionError(ErrCodeProtocol, "MAX_FRAME_SIZE out of range")
		}
	}
	return nil
}

// EncodeSettings encodes settings into a SETTINGS payload.
func EncodeSettings(settings []Setting) []byte {
	e := NewEncoderWithCap(len(settings) * settingSize)
	for _, s := range settings {
		e.WriteUint16(uint16(s.ID))
		e.WriteUint32(s.Val)
	}
	return e.Bytes()
}

// DecodeSettings decodes a SETTINGS payload. A length that is not a
// multiple of six is ErrFrameSize.
func DecodeSettings(payload []byte) ([]Setting, error) {
	if len(payload)%settingSize != 0 {
		return nil, ErrFrameSize
	}
	d := NewDecoder(payload)
	out := make([]Setting, 0, len(payload)/settingSize)
	for !d.EOF() {
		id, _ := d.ReadUint16()
		val, _ := d.ReadUint32()
		out = append(out, Setting{ID: SettingID(id), Val: val})
	}
	return out, nil
}

// SettingsFrame builds a SETTINGS frame.
func SettingsFrame(settings ...Setting) *Frame {
	return NewFrame(FrameSettings, 0, EncodeSettings(settings))
}

// SettingsAckFrame builds an empty SETTINGS frame with ACK.
func SettingsAckFrame() *Frame {
	return NewFrameWithFlags(FrameSettings, FlagAck, 0, nil)
}
