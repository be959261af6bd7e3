// Package store defines the abstract declarative resource store (spec
// §4.6): a typed get/list/watch/patch interface that the reconciliation
// engine and session manager use as their sole source of truth about
// fleet state. internal/store/memstore provides the in-memory reference
// implementation; a CRD-backed implementation would satisfy the same
// Store interface.
package store

import "time"

// Kind names a resource type managed by the store.
type Kind string

const (
	KindDevice      Kind = "Device"
	KindGateway     Kind = "Gateway"
	KindApplication Kind = "Application"
)

// ObjectMeta is the metadata envelope every resource carries, mirroring
// the metadata/spec/status split of a CRD-shaped control plane.
type ObjectMeta struct {
	Name            string            `json:"name"`
	Namespace       string            `json:"namespace"`
	UID             string            `json:"uid"`
	ResourceVersion string            `json:"resourceVersion"`
	CreatedAt       time.Time         `json:"createdAt"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// ConditionStatus mirrors the tri-state condition status convention.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// Condition is a single observed aspect of a resource's status.
type Condition struct {
	Type               string          `json:"type"`
	Status             ConditionStatus `json:"status"`
	Reason             string          `json:"reason,omitempty"`
	Message            string          `json:"message,omitempty"`
	LastTransitionTime time.Time       `json:"lastTransitionTime"`
}

// DevicePhase is Device.status.phase.
type DevicePhase string

const (
	DevicePending      DevicePhase = "Pending"
	DeviceEnrolling    DevicePhase = "Enrolling"
	DeviceEnrolled     DevicePhase = "Enrolled"
	DeviceConnected    DevicePhase = "Connected"
	DeviceDisconnected DevicePhase = "Disconnected"
	DeviceUnreachable  DevicePhase = "Unreachable"
)

// GatewayRef identifies the gateway a device is currently attached to.
type GatewayRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// DeviceSpec is Device.spec.
type DeviceSpec struct {
	PublicKey    []byte   `json:"publicKey"`
	DeviceType   string   `json:"deviceType"`
	Architecture string   `json:"architecture"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// DeviceStatus is Device.status.
type DeviceStatus struct {
	Phase          DevicePhase `json:"phase"`
	Gateway        *GatewayRef `json:"gateway,omitempty"`
	ConnectedSince *time.Time  `json:"connectedSince,omitempty"`
	LastHeartbeat  *time.Time  `json:"lastHeartbeat,omitempty"`
	PairingMode    bool        `json:"pairingMode"`
}

// Device is the declarative device resource.
type Device struct {
	ObjectMeta `json:"metadata"`
	Spec       DeviceSpec   `json:"spec"`
	Status     DeviceStatus `json:"status"`
}

// GatewayPhase is Gateway.status.phase.
type GatewayPhase string

const (
	GatewayPending GatewayPhase = "Pending"
	GatewayRunning GatewayPhase = "Running"
	GatewayFailed  GatewayPhase = "Failed"
	GatewayStopped GatewayPhase = "Stopped"
)

// GatewaySpec is Gateway.spec.
type GatewaySpec struct {
	Endpoint   string `json:"endpoint"`
	TLSPort    int    `json:"tlsPort"`
	HTTPPort   int    `json:"httpPort"`
	Region     string `json:"region,omitempty"`
	MaxDevices int    `json:"maxDevices"`
}

// GatewayStatus is Gateway.status.
type GatewayStatus struct {
	Phase            GatewayPhase `json:"phase"`
	ConnectedDevices int          `json:"connectedDevices"`
	EnrolledDevices  int          `json:"enrolledDevices"`
	LastHeartbeat    *time.Time   `json:"lastHeartbeat,omitempty"`
	Conditions       []Condition  `json:"conditions,omitempty"`
}

// Gateway is the declarative gateway resource.
type Gateway struct {
	ObjectMeta `json:"metadata"`
	Spec       GatewaySpec   `json:"spec"`
	Status     GatewayStatus `json:"status"`
}

// TargetDeviceKind distinguishes Application.spec.target_devices' union.
type TargetDeviceKind string

const (
	TargetAllDevices TargetDeviceKind = "AllDevices"
	TargetByName     TargetDeviceKind = "ByName"
)

// TargetDevices is the Application.spec.target_devices union.
type TargetDevices struct {
	Kind  TargetDeviceKind `json:"kind"`
	Names []string         `json:"names,omitempty"`
}

// ApplicationConfig mirrors the wire ApplicationConfig payload so the
// controller can hand it straight to a DeployApplication envelope.
type ApplicationConfig struct {
	MemoryLimit  uint64            `json:"memoryLimit"`
	CPUTimeLimit uint64            `json:"cpuTimeLimit"`
	Env          map[string]string `json:"env,omitempty"`
	Args         []string          `json:"args,omitempty"`
}

// ApplicationSpec is Application.spec.
type ApplicationSpec struct {
	WasmBytes     []byte            `json:"wasmBytes"`
	TargetDevices TargetDevices     `json:"targetDevices"`
	Config        ApplicationConfig `json:"config"`
}

// ApplicationPhase is Application.status.phase.
type ApplicationPhase string

const (
	AppCreating         ApplicationPhase = "Creating"
	AppDeploying        ApplicationPhase = "Deploying"
	AppRunning          ApplicationPhase = "Running"
	AppPartiallyRunning ApplicationPhase = "PartiallyRunning"
	AppFailed           ApplicationPhase = "Failed"
	AppStopping         ApplicationPhase = "Stopping"
	AppStopped          ApplicationPhase = "Stopped"
	AppDeleting         ApplicationPhase = "Deleting"
)

// DevicePhaseForApp is one device's deployment state for an application.
type DevicePhaseForApp string

const (
	DeviceAppDeploying DevicePhaseForApp = "Deploying"
	DeviceAppRunning   DevicePhaseForApp = "Running"
	DeviceAppFailed    DevicePhaseForApp = "Failed"
	DeviceAppStopped   DevicePhaseForApp = "Stopped"
)

// ApplicationStatistics summarizes device_statuses.
type ApplicationStatistics struct {
	Total    int `json:"total"`
	Deployed int `json:"deployed"`
	Running  int `json:"running"`
	Failed   int `json:"failed"`
	Stopped  int `json:"stopped"`
}

// ApplicationStatus is Application.status.
type ApplicationStatus struct {
	Phase          ApplicationPhase             `json:"phase"`
	DeviceStatuses map[string]DevicePhaseForApp `json:"deviceStatuses,omitempty"`
	Statistics     ApplicationStatistics        `json:"statistics"`
	LastUpdated    time.Time                    `json:"lastUpdated"`
	Error          *string                      `json:"error,omitempty"`
}

// Application is the declarative application resource.
type Application struct {
	ObjectMeta `json:"metadata"`
	Spec       ApplicationSpec   `json:"spec"`
	Status     ApplicationStatus `json:"status"`
}
