package device_test

import (
	gomock "go.uber.org/mock/gomock"

	"i4.energy/across/shortrange/device"
	"i4.energy/across/shortrange/edm"
)

type MockSequenceBuilder struct {
	transport *device.MockTransport
	calls     []any
}

func NewMockSequence(transport *device.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte("AT\r")).Return(3, nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			resp := "AT\r\nOK\r\n"
			copy(p, resp)
			return len(resp), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte("ATE0\r")).Return(5, nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			resp := "ATE0\r\nOK\r\n"
			copy(p, resp)
			return len(resp), nil
		}),
	)
	return b
}

// EnterEDM answers ATO2 with the module's EDM start event frame instead of
// an AT response line.
func (b *MockSequenceBuilder) EnterEDM() *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte("ATO2\r")).Return(5, nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			frame := edm.Encode(edm.Frame{Type: edm.TypeStartEvent})
			copy(p, frame)
			return len(frame), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls is the full boot dialogue: liveness probe, echo off, switch
// into extended data mode.
func initMockCalls(transport *device.MockTransport) []any {
	return NewMockSequence(transport).
		AT().
		EchoOff().
		EnterEDM().
		Build()
}
