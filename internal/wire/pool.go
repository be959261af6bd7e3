package wire

// FramePool is a channel-backed pool of reusable frame buffers, adapted
// from katagun-webpa-common/wrp's EncoderPool: unlike a sync.Pool, it
// holds on to its buffers across garbage collections, which matters on
// the gateway's hot path where every connected device's outbound queue
// drains through the same encoder.
const (
	DefaultPoolSize          = 100
	DefaultInitialBufferSize = 256
)

type FramePool struct {
	pool              chan []byte
	initialBufferSize int
}

// NewFramePool returns a FramePool of poolSize buffers, each initially
// sized initialBufferSize bytes. Nonpositive arguments fall back to the
// package defaults.
func NewFramePool(poolSize, initialBufferSize int) *FramePool {
	if poolSize < 1 {
		poolSize = DefaultPoolSize
	}
	if initialBufferSize < 1 {
		initialBufferSize = DefaultInitialBufferSize
	}

	fp := &FramePool{
		pool:              make(chan []byte, poolSize),
		initialBufferSize: initialBufferSize,
	}
	for i := 0; i < poolSize; i++ {
		fp.pool <- make([]byte, 0, initialBufferSize)
	}
	return fp
}

// Get returns a zero-length buffer from the pool, never nil.
func (fp *FramePool) Get() []byte {
	select {
	case buf := <-fp.pool:
		return buf[:0]
	default:
		return make([]byte, 0, fp.initialBufferSize)
	}
}

// Put returns buf to the pool. If the pool is full, buf is dropped.
func (fp *FramePool) Put(buf []byte) {
	select {
	case fp.pool <- buf:
	default:
	}
}

// EncodeFrame encodes env using a pooled buffer, appending the 4-byte BE
// length prefix ahead of the canonical-CBOR payload.
func (fp *FramePool) EncodeFrame(env Envelope) ([]byte, error) {
	payload, err := Encode(env)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameLength {
		return nil, ErrMessageTooLarge
	}

	buf := fp.Get()
	buf = append(buf, byte(len(payload)>>24), byte(len(payload)>>16), byte(len(payload)>>8), byte(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}
