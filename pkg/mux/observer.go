package mux

import "github.com/vango-dev/h2mux/pkg/protocol"

// Observer receives connection callbacks. Implementations must be cheap;
// they run inline with frame processing.
type Observer interface {
	FrameReceived(f *protocol.Frame)
	FrameSent(f *protocol.Frame)
	StreamOpened(id uint32, local bool)
	StreamClosed(id uint32, code protocol.ErrorCode)
	StreamError(err *protocol.StreamError)
	ConnectionError(err *protocol.ConnectionError)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) FrameReceived(*protocol.Frame)             {}
func (NopObserver) FrameSent(*protocol.Frame)                 {}
func (NopObserver) StreamOpened(uint32, bool)                 {}
func (NopObserver) StreamClosed(uint32, protocol.ErrorCode)   {}
func (NopObserver) StreamError(*protocol.StreamError)         {}
func (NopObserver) ConnectionError(*protocol.ConnectionError) {}

// MultiObserver fans callbacks out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) FrameReceived(f *protocol.Frame) {
	for _, o := range m {
		o.FrameReceived(f)
	}
}

func (m MultiObserver) FrameSent(f *protocol.Frame) {
	for _, o := range m {
		o.FrameSent(f)
	}
}

func (m MultiObserver) StreamOpened(id uint32, local bool) {
	for _, o := range m {
		o.StreamOpened(id, local)
	}
}

func (m MultiObserver) StreamClosed(id uint32, code protocol.ErrorCode) {
	for _, o := range m {
		o.StreamClosed(id, code)
	}
}

func (m MultiObserver) StreamError(err *protocol.StreamError) {
	for _, o := range m {
		o.StreamError(err)
	}
}

func (m MultiObserver) ConnectionError(err *protocol.ConnectionError) {
	for _, o := range m {
		o.ConnectionError(err)
	}
}
