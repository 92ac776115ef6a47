package protocol

// frameCheckers validates the header-level rules of each frame type:
// which stream identifiers it may use and which payload lengths are legal.
var frameCheckers = [NumFrameTypes]func(*Frame) error{
	FrameData:         checkData,
	FrameHeaders:      checkHeaders,
	FramePriority:     checkPriority,
	FrameRSTStream:    checkRSTStream,
	FrameSettings:     checkSettings,
	FramePushPromise:  checkPushPromise,
	FramePing:         checkPing,
	FrameGoAway:       checkGoAway,
	FrameWindowUpdate: checkWindowUpdate,
	FrameContinuation: checkContinuation,
}

// CheckFrame validates f against the structural rules of its type. The
// returned error is a *ConnectionError or *StreamError. Unknown frame
// types always pass.
func CheckFrame(f *Frame) error {
	if !f.Type.Known() {
		return nil
	}
	return frameCheckers[f.Type](f)
}

func connErr(code ErrorCode, f *Frame, reason string) error {
	return NewConnectionError(code, f.Type.String()+": "+reason)
}

func checkPadded(f *Frame, fixed int) error {
	if !f.Flags.Has(FlagPadded) {
		if len(f.Payload) < fixed {
			return connErr(ErrCodeFrameSize, f, "payload too short")
		}
		return nil
	}
	if len(f.Payload) < 1+fixed {
		return connErr(ErrCodeFrameSize, f, "payload too short")
	}
	if 1+fixed+int(f.Payload[0]) > len(f.Payload) {
		return connErr(ErrCodeProtocol, f, "padding exceeds payload")
	}
	return nil
}

func checkData(f *Frame) error {
	if f.StreamID == 0 {
		return connErr(ErrCodeProtocol, f, "stream id 0")
	}
	return checkPadded(f, 0)
}

func checkHeaders(f *Frame) error {
	if f.StreamID == 0 {
		return connErr(ErrCodeProtocol, f, "stream id 0")
	}
	fixed := 0
	if f.Flags.Has(FlagPriority) {
		fixed = 5
	}
	return checkPadded(f, fixed)
}

func checkPriority(f *Frame) error {
	if f.StreamID == 0 {
		return connErr(ErrCodeProtocol, f, "stream id 0")
	}
	if len(f.Payload) != 5 {
		return NewStreamError(f.StreamID, ErrCodeFrameSize, "PRIORITY payload must be 5 bytes")
	}
	return nil
}

func checkRSTStream(f *Frame) error {
	if f.StreamID == 0 {
		return connErr(ErrCodeProtocol, f, "stream id 0")
	}
	if len(f.Payload) != 4 {
		return connErr(ErrCodeFrameSize, f, "payload must be 4 bytes")
	}
	return nil
}

func checkSettings(f *Frame) error {
	if f.StreamID != 0 {
		return connErr(ErrCodeProtocol, f, "non-zero stream id")
	}
	if f.Flags.Has(FlagAck) && len(f.Payload) != 0 {
		return connErr(ErrCodeFrameSize, f, "ACK with payload")
	}
	if len(f.Payload)%settingSize != 0 {
		return connErr(ErrCodeFrameSize, f, "payload not a multiple of 6")
	}
	return nil
}

func checkPushPromise(f *Frame) error {
	if f.StreamID == 0 {
		return connErr(ErrCodeProtocol, f, "stream id 0")
	}
	return checkPadded(f, 4)
}

func checkPing(f *Frame) error {
	if f.StreamID != 0 {
		return connErr(ErrCodeProtocol, f, "non-zero stream id")
	}
	if len(f.Payload) != 8 {
		return connErr(ErrCodeFrameSize, f, "payload must be 8 bytes")
	}
	return nil
}

func checkGoAway(f *Frame) error {
	if f.StreamID != 0 {
		return connErr(ErrCodeProtocol, f, "non-zero stream id")
	}
	if len(f.Payload) < 8 {
		return connErr(ErrCodeFrameSize, f, "payload shorter than 8 bytes")
	}
	return nil
}

func checkWindowUpdate(f *Frame) error {
	if len(f.Payload) != 4 {
		return connErr(ErrCodeFrameSize, f, "payload must be 4 bytes")
	}
	return nil
}

func checkContinuation(f *Frame) error {
	if f.StreamID == 0 {
		return connErr(ErrCodeProtocol, f, "stream id 0")
	}
	return nil
}
