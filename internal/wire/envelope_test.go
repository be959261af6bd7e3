package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, dir Direction, msg Message) Envelope {
	t.Helper()
	env := Envelope{Version: V0, MessageID: 42, Message: msg}
	frame, err := EncodeFrame(env)
	require.NoError(t, err)

	got, err := ReadFrame(bytes.NewReader(frame), dir)
	require.NoError(t, err)
	assert.Equal(t, env, got)
	return got
}

func TestRoundTripClientMessages(t *testing.T) {
	errStr := "boom"
	cases := []Message{
		Heartbeat{},
		EnrollmentRequest{},
		PublicKey{Key: bytes.Repeat([]byte{0x00}, 32)},
		EnrollmentAcknowledgment{},
		ApplicationStatus{AppID: "app-1", Status: AppStatusRunning, Error: nil, Metrics: &ApplicationMetrics{MemBytes: 10, CPU: 1.5, UptimeMS: 100, Calls: 3}},
		ApplicationStatus{AppID: "app-1", Status: AppStatusFailed, Error: &errStr},
		ApplicationDeployAck{AppID: "app-1", Success: true},
		ApplicationDeployAck{AppID: "app-1", Success: false, Error: &errStr},
		ApplicationStopAck{AppID: "app-1", Success: true},
		DeviceInfo{AvailableMemory: 1024, CPUArch: "armv7", WasmFeatures: []string{"mvp"}, MaxAppSize: 65536},
	}

	for _, m := range cases {
		roundTrip(t, ClientToGateway, m)
	}
}

func TestRoundTripServerMessages(t *testing.T) {
	var uuid [16]byte
	for i := range uuid {
		uuid[i] = byte(i)
	}
	appID := "app-1"

	cases := []Message{
		HeartbeatAck{},
		EnrollmentAccepted{},
		EnrollmentRejected{Reason: []byte("pairing disabled")},
		DeviceUUID{UUID: uuid},
		EnrollmentCompleted{},
		DeployApplication{AppID: "app-1", Name: "demo", WasmBytes: []byte{0, 1, 2}},
		DeployApplication{AppID: "app-1", Name: "demo", WasmBytes: []byte{0, 1, 2}, Config: &ApplicationConfig{MemoryLimit: 1 << 20, CPUTimeLimit: 1000, Env: map[string]string{"K": "V"}, Args: []string{"a"}}},
		StopApplication{AppID: "app-1"},
		RequestDeviceInfo{},
		RequestApplicationStatus{},
		RequestApplicationStatus{AppID: &appID},
	}

	for _, m := range cases {
		roundTrip(t, GatewayToDevice, m)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	env := Envelope{Version: V0, MessageID: 7, Message: Heartbeat{}}
	a, err := Encode(env)
	require.NoError(t, err)
	b, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFrameLengthPrefixMatchesPayload(t *testing.T) {
	frame, err := EncodeFrame(Envelope{Version: V0, MessageID: 1, Message: Heartbeat{}})
	require.NoError(t, err)

	declared := binary.BigEndian.Uint32(frame[:4])
	assert.Equal(t, int(declared), len(frame)-4)
}

func TestUnknownTag(t *testing.T) {
	raw, err := cborEncMode.Marshal([]interface{}{999})
	require.NoError(t, err)
	we := wireEnvelope{Version: 0, MessageID: 1, Message: raw}
	payload, err := cborEncMode.Marshal(we)
	require.NoError(t, err)

	_, err = Decode(payload, ClientToGateway)
	require.Error(t, err)
	var tagErr *UnknownTagError
	assert.ErrorAs(t, err, &tagErr)
}

func TestUnexpectedArrayLength(t *testing.T) {
	raw, err := cborEncMode.Marshal([]interface{}{TagHeartbeat, "unexpected"})
	require.NoError(t, err)
	we := wireEnvelope{Version: 0, MessageID: 1, Message: raw}
	payload, err := cborEncMode.Marshal(we)
	require.NoError(t, err)

	_, err = Decode(payload, ClientToGateway)
	require.Error(t, err)
	var arityErr *UnexpectedArrayLengthError
	assert.ErrorAs(t, err, &arityErr)
}

func TestInvalidUUIDLength(t *testing.T) {
	raw, err := cborEncMode.Marshal([]interface{}{TagDeviceUUID, []byte{1, 2, 3}})
	require.NoError(t, err)
	we := wireEnvelope{Version: 0, MessageID: 1, Message: raw}
	payload, err := cborEncMode.Marshal(we)
	require.NoError(t, err)

	_, err = Decode(payload, GatewayToDevice)
	require.Error(t, err)
	var uuidErr *InvalidUUIDLengthError
	assert.ErrorAs(t, err, &uuidErr)
}

func TestTruncatedFrame(t *testing.T) {
	frame, err := EncodeFrame(Envelope{Version: V0, MessageID: 1, Message: Heartbeat{}})
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(frame[:len(frame)-2]), ClientToGateway)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestMessageTooLarge(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameLength+1)
	_, err := ReadFrame(bytes.NewReader(lenBuf[:]), ClientToGateway)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReadFrameEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), ClientToGateway)
	assert.ErrorIs(t, err, io.EOF)
}
