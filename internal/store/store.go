package store

import (
	"context"
	"errors"
)

// ErrNotFound and ErrConflict are the sentinel failures the interface
// documents in spec §4.6; a caller uses errors.Is against these.
var (
	ErrNotFound = errors.New("store: resource not found")
	ErrConflict = errors.New("store: resource_version conflict")
)

// Resource is implemented by Device, Gateway, and Application so the
// store can operate generically across kinds while callers still work
// with the concrete, typed structs.
type Resource interface {
	Kind() Kind
	Meta() *ObjectMeta
	DeepCopy() Resource
}

func (d *Device) Kind() Kind       { return KindDevice }
func (d *Device) Meta() *ObjectMeta { return &d.ObjectMeta }
func (d *Device) DeepCopy() Resource {
	cp := *d
	cp.Spec.PublicKey = append([]byte(nil), d.Spec.PublicKey...)
	cp.Spec.Capabilities = append([]string(nil), d.Spec.Capabilities...)
	if d.Status.Gateway != nil {
		gw := *d.Status.Gateway
		cp.Status.Gateway = &gw
	}
	if d.Status.ConnectedSince != nil {
		t := *d.Status.ConnectedSince
		cp.Status.ConnectedSince = &t
	}
	if d.Status.LastHeartbeat != nil {
		t := *d.Status.LastHeartbeat
		cp.Status.LastHeartbeat = &t
	}
	cp.Labels = copyLabels(d.Labels)
	return &cp
}

func (g *Gateway) Kind() Kind        { return KindGateway }
func (g *Gateway) Meta() *ObjectMeta { return &g.ObjectMeta }
func (g *Gateway) DeepCopy() Resource {
	cp := *g
	if g.Status.LastHeartbeat != nil {
		t := *g.Status.LastHeartbeat
		cp.Status.LastHeartbeat = &t
	}
	cp.Status.Conditions = append([]Condition(nil), g.Status.Conditions...)
	cp.Labels = copyLabels(g.Labels)
	return &cp
}

func (a *Application) Kind() Kind        { return KindApplication }
func (a *Application) Meta() *ObjectMeta { return &a.ObjectMeta }
func (a *Application) DeepCopy() Resource {
	cp := *a
	cp.Spec.WasmBytes = append([]byte(nil), a.Spec.WasmBytes...)
	cp.Spec.TargetDevices.Names = append([]string(nil), a.Spec.TargetDevices.Names...)
	cp.Status.DeviceStatuses = copyDevicePhases(a.Status.DeviceStatuses)
	if a.Status.Error != nil {
		e := *a.Status.Error
		cp.Status.Error = &e
	}
	cp.Labels = copyLabels(a.Labels)
	return &cp
}

func copyLabels(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDevicePhases(m map[string]DevicePhaseForApp) map[string]DevicePhaseForApp {
	if m == nil {
		return nil
	}
	out := make(map[string]DevicePhaseForApp, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Selector filters List/Watch results; a nil Selector matches everything.
type Selector func(meta ObjectMeta) bool

// EventType distinguishes a watch notification's kind.
type EventType int

const (
	Added EventType = iota
	Modified
	Deleted
)

// Event is one watch notification.
type Event struct {
	Type     EventType
	Resource Resource
}

// Store is the abstract interface spec §4.6 names. The reference target
// is a CRD-capable cluster control plane; this core never assumes one —
// internal/store/memstore is the in-process implementation used by
// fleetgw standalone and by tests.
type Store interface {
	Get(kind Kind, namespace, name string) (Resource, error)
	List(kind Kind, namespace string, sel Selector) ([]Resource, error)
	Watch(ctx context.Context, kind Kind, namespace string, sel Selector) (<-chan Event, error)

	// Create inserts a new resource, assigning UID/ResourceVersion/CreatedAt.
	Create(res Resource) error

	// Patch merges patch (a JSON merge-patch document per RFC 7386) into
	// the resource's spec+metadata. expectedResourceVersion, when
	// non-empty, must match the stored value or ErrConflict is returned.
	Patch(kind Kind, namespace, name string, patch []byte, expectedResourceVersion string) error

	// PatchStatus merges patch into the resource's status subresource.
	// Implementations without a distinct status subresource fall back to
	// the same merge Patch performs, scoped to the status field.
	PatchStatus(kind Kind, namespace, name string, patch []byte, expectedResourceVersion string) error
}
