package wire

import (
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Direction disambiguates the two tag spaces sharing small integers:
// ClientToGateway tags are the ClientMessage variants (spec §3 table 1);
// GatewayToDevice tags are the ServerMessage variants (table 2). Encoding
// never needs a Direction — a Message's Go type alone determines its tag.
// Decoding does, since raw tag 0 means Heartbeat in one direction and
// HeartbeatAck in the other.
type Direction int

const (
	ClientToGateway Direction = iota
	GatewayToDevice
)

func decMode() (cbor.DecMode, error) {
	return cbor.DecOptions{IndefLength: cbor.IndefLengthForbidden}.DecMode()
}

// encodeMessage marshals msg into a raw CBOR array: [tag, field...].
func encodeMessage(msg Message) (cbor.RawMessage, error) {
	var items []interface{}
	items = append(items, msg.Tag())

	switch m := msg.(type) {
	case Heartbeat:
	case EnrollmentRequest:
	case PublicKey:
		items = append(items, m.Key)
	case EnrollmentAcknowledgment:
	case ApplicationStatus:
		items = append(items, m.AppID, string(m.Status), m.Error, encodeMetrics(m.Metrics))
	case ApplicationDeployAck:
		items = append(items, m.AppID, m.Success, m.Error)
	case ApplicationStopAck:
		items = append(items, m.AppID, m.Success, m.Error)
	case DeviceInfo:
		items = append(items, m.AvailableMemory, m.CPUArch, m.WasmFeatures, m.MaxAppSize)

	case HeartbeatAck:
	case EnrollmentAccepted:
	case EnrollmentRejected:
		items = append(items, m.Reason)
	case DeviceUUID:
		items = append(items, m.UUID[:])
	case EnrollmentCompleted:
	case DeployApplication:
		items = append(items, m.AppID, m.Name, m.WasmBytes, encodeAppConfig(m.Config))
	case StopApplication:
		items = append(items, m.AppID)
	case RequestDeviceInfo:
	case RequestApplicationStatus:
		items = append(items, m.AppID)

	default:
		return nil, fmt.Errorf("wire: unsupported message type %T", msg)
	}

	return cborEncMode.Marshal(items)
}

// rawMetrics/rawAppConfig mirror ApplicationMetrics/ApplicationConfig as
// maps so the optional struct fields serialize as a nullable single item
// rather than re-flattening the array arity rules (these are nested
// objects, not top-level array fields, per spec §3).
type rawMetrics struct {
	Mem   uint64  `cbor:"mem"`
	CPU   float32 `cbor:"cpu"`
	Uptime uint64 `cbor:"uptime"`
	Calls uint64  `cbor:"calls"`
}

func encodeMetrics(m *ApplicationMetrics) *rawMetrics {
	if m == nil {
		return nil
	}
	return &rawMetrics{Mem: m.MemBytes, CPU: m.CPU, Uptime: m.UptimeMS, Calls: m.Calls}
}

type rawAppConfig struct {
	MemoryLimit  uint64            `cbor:"memory_limit"`
	CPUTimeLimit uint64            `cbor:"cpu_time_limit"`
	Env          map[string]string `cbor:"env"`
	Args         []string          `cbor:"args"`
}

func encodeAppConfig(c *ApplicationConfig) *rawAppConfig {
	if c == nil {
		return nil
	}
	return &rawAppConfig{MemoryLimit: c.MemoryLimit, CPUTimeLimit: c.CPUTimeLimit, Env: c.Env, Args: c.Args}
}

// decodeMessage decodes a raw [tag, field...] array according to dir.
func decodeMessage(raw cbor.RawMessage, dir Direction) (Message, error) {
	dm, err := decMode()
	if err != nil {
		return nil, err
	}

	var items []cbor.RawMessage
	if err := dm.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("wire: message is not an array: %w", err)
	}
	if len(items) == 0 {
		return nil, &UnexpectedArrayLengthError{Expected: 1, Actual: 0}
	}

	var tag int
	if err := dm.Unmarshal(items[0], &tag); err != nil {
		return nil, fmt.Errorf("wire: tag is not an integer: %w", err)
	}

	if dir == ClientToGateway {
		return decodeClientMessage(dm, tag, items)
	}
	return decodeServerMessage(dm, tag, items)
}

func arity(expected int, items []cbor.RawMessage) error {
	if len(items) != expected {
		return &UnexpectedArrayLengthError{Expected: expected, Actual: len(items)}
	}
	return nil
}

func decodeString(dm cbor.DecMode, raw cbor.RawMessage) (string, error) {
	var s string
	if err := dm.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if !utf8.ValidString(s) {
		return "", ErrUTF8
	}
	return s, nil
}

func decodeClientMessage(dm cbor.DecMode, tag int, items []cbor.RawMessage) (Message, error) {
	switch tag {
	case TagHeartbeat:
		if err := arity(1, items); err != nil {
			return nil, err
		}
		return Heartbeat{}, nil

	case TagEnrollmentRequest:
		if err := arity(1, items); err != nil {
			return nil, err
		}
		return EnrollmentRequest{}, nil

	case TagPublicKey:
		if err := arity(2, items); err != nil {
			return nil, err
		}
		var key []byte
		if err := dm.Unmarshal(items[1], &key); err != nil {
			return nil, err
		}
		return PublicKey{Key: key}, nil

	case TagEnrollmentAcknowledgment:
		if err := arity(1, items); err != nil {
			return nil, err
		}
		return EnrollmentAcknowledgment{}, nil

	case TagApplicationStatus:
		if err := arity(5, items); err != nil {
			return nil, err
		}
		appID, err := decodeString(dm, items[1])
		if err != nil {
			return nil, err
		}
		status, err := decodeString(dm, items[2])
		if err != nil {
			return nil, err
		}
		var errField *string
		if err := dm.Unmarshal(items[3], &errField); err != nil {
			return nil, err
		}
		var metrics *rawMetrics
		if err := dm.Unmarshal(items[4], &metrics); err != nil {
			return nil, err
		}
		as := ApplicationStatus{AppID: appID, Status: ApplicationStatusPhase(status), Error: errField}
		if metrics != nil {
			as.Metrics = &ApplicationMetrics{MemBytes: metrics.Mem, CPU: metrics.CPU, UptimeMS: metrics.Uptime, Calls: metrics.Calls}
		}
		return as, nil

	case TagApplicationDeployAck:
		if err := arity(4, items); err != nil {
			return nil, err
		}
		appID, err := decodeString(dm, items[1])
		if err != nil {
			return nil, err
		}
		var success bool
		if err := dm.Unmarshal(items[2], &success); err != nil {
			return nil, err
		}
		var errField *string
		if err := dm.Unmarshal(items[3], &errField); err != nil {
			return nil, err
		}
		return ApplicationDeployAck{AppID: appID, Success: success, Error: errField}, nil

	case TagApplicationStopAck:
		if err := arity(4, items); err != nil {
			return nil, err
		}
		appID, err := decodeString(dm, items[1])
		if err != nil {
			return nil, err
		}
		var success bool
		if err := dm.Unmarshal(items[2], &success); err != nil {
			return nil, err
		}
		var errField *string
		if err := dm.Unmarshal(items[3], &errField); err != nil {
			return nil, err
		}
		return ApplicationStopAck{AppID: appID, Success: success, Error: errField}, nil

	case TagDeviceInfo:
		if err := arity(5, items); err != nil {
			return nil, err
		}
		var avail uint64
		if err := dm.Unmarshal(items[1], &avail); err != nil {
			return nil, err
		}
		arch, err := decodeString(dm, items[2])
		if err != nil {
			return nil, err
		}
		var features []string
		if err := dm.Unmarshal(items[3], &features); err != nil {
			return nil, err
		}
		var maxSize uint64
		if err := dm.Unmarshal(items[4], &maxSize); err != nil {
			return nil, err
		}
		return DeviceInfo{AvailableMemory: avail, CPUArch: arch, WasmFeatures: features, MaxAppSize: maxSize}, nil

	default:
		return nil, &UnknownTagError{Tag: tag}
	}
}

func decodeServerMessage(dm cbor.DecMode, tag int, items []cbor.RawMessage) (Message, error) {
	switch tag {
	case TagHeartbeatAck:
		if err := arity(1, items); err != nil {
			return nil, err
		}
		return HeartbeatAck{}, nil

	case TagEnrollmentAccepted:
		if err := arity(1, items); err != nil {
			return nil, err
		}
		return EnrollmentAccepted{}, nil

	case TagEnrollmentRejected:
		if err := arity(2, items); err != nil {
			return nil, err
		}
		var reason []byte
		if err := dm.Unmarshal(items[1], &reason); err != nil {
			return nil, err
		}
		return EnrollmentRejected{Reason: reason}, nil

	case TagDeviceUUID:
		if err := arity(2, items); err != nil {
			return nil, err
		}
		var raw []byte
		if err := dm.Unmarshal(items[1], &raw); err != nil {
			return nil, err
		}
		if len(raw) != 16 {
			return nil, &InvalidUUIDLengthError{Actual: len(raw)}
		}
		var uuid [16]byte
		copy(uuid[:], raw)
		return DeviceUUID{UUID: uuid}, nil

	case TagEnrollmentCompleted:
		if err := arity(1, items); err != nil {
			return nil, err
		}
		return EnrollmentCompleted{}, nil

	case TagDeployApplication:
		if err := arity(5, items); err != nil {
			return nil, err
		}
		appID, err := decodeString(dm, items[1])
		if err != nil {
			return nil, err
		}
		name, err := decodeString(dm, items[2])
		if err != nil {
			return nil, err
		}
		var wasmBytes []byte
		if err := dm.Unmarshal(items[3], &wasmBytes); err != nil {
			return nil, err
		}
		var cfg *rawAppConfig
		if err := dm.Unmarshal(items[4], &cfg); err != nil {
			return nil, err
		}
		da := DeployApplication{AppID: appID, Name: name, WasmBytes: wasmBytes}
		if cfg != nil {
			da.Config = &ApplicationConfig{MemoryLimit: cfg.MemoryLimit, CPUTimeLimit: cfg.CPUTimeLimit, Env: cfg.Env, Args: cfg.Args}
		}
		return da, nil

	case TagStopApplication:
		if err := arity(2, items); err != nil {
			return nil, err
		}
		appID, err := decodeString(dm, items[1])
		if err != nil {
			return nil, err
		}
		return StopApplication{AppID: appID}, nil

	case TagRequestDeviceInfo:
		if err := arity(1, items); err != nil {
			return nil, err
		}
		return RequestDeviceInfo{}, nil

	case TagRequestApplicationStatus:
		if err := arity(2, items); err != nil {
			return nil, err
		}
		var appID *string
		if err := dm.Unmarshal(items[1], &appID); err != nil {
			return nil, err
		}
		return RequestApplicationStatus{AppID: appID}, nil

	default:
		return nil, &UnknownTagError{Tag: tag}
	}
}
