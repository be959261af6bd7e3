package gateway

import (
	"sync"
	"time"
)

// AdminConfig is the gateway's writable runtime configuration (spec
// §4.5.3): pairing mode and the two timeout knobs. Reads return a copy
// taken under a shared read lock, so they are not lock-free; writes take
// the exclusive lock and are serialized with each other.
type AdminConfig struct {
	PairingMode            bool
	PairingTimeout         time.Duration
	HeartbeatTimeout       time.Duration
	HeartbeatCheckInterval time.Duration
}

// adminConfigBox guards AdminConfig behind a RWMutex: Snapshot holds the
// read lock only while copying the value, and the three Set* methods are
// the only places configuration changes happen, each under the write
// lock.
type adminConfigBox struct {
	mu  sync.RWMutex
	cfg AdminConfig
}

func newAdminConfigBox(cfg AdminConfig) *adminConfigBox {
	return &adminConfigBox{cfg: cfg}
}

func (b *adminConfigBox) Snapshot() AdminConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *adminConfigBox) SetPairingMode(enabled bool) {
	b.mu.Lock()
	b.cfg.PairingMode = enabled
	b.mu.Unlock()
}

func (b *adminConfigBox) SetPairingTimeout(d time.Duration) {
	b.mu.Lock()
	b.cfg.PairingTimeout = d
	b.mu.Unlock()
}

func (b *adminConfigBox) SetHeartbeatTimeout(d time.Duration) {
	b.mu.Lock()
	b.cfg.HeartbeatTimeout = d
	b.mu.Unlock()
}
