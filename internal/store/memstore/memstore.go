// Package memstore is the in-memory reference implementation of
// store.Store (spec §4.6, SPEC_FULL.md §4.6): a sync.RWMutex-guarded map
// keyed by (kind, namespace, name), with resource_version implemented as
// a decimal counter string and patch/patch_status performing a JSON
// merge-patch (RFC 7386) with conflict detection against the caller's
// expected resource version. It is the store a single-process gateway or
// test harness plugs in; a CRD-backed store would satisfy the same
// store.Store interface.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgewasm/fleet/internal/store"
)

type key struct {
	kind      store.Kind
	namespace string
	name      string
}

type entry struct {
	resource store.Resource
	version  int
}

// Store is the in-memory store.Store implementation.
type Store struct {
	mu      sync.RWMutex
	objects map[key]*entry

	watchMu sync.Mutex
	watches map[key][]chan store.Event
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		objects: make(map[key]*entry),
		watches: make(map[key][]chan store.Event),
	}
}

func keyOf(kind store.Kind, namespace, name string) key {
	return key{kind: kind, namespace: namespace, name: name}
}

// Get implements store.Store.
func (s *Store) Get(kind store.Kind, namespace, name string) (store.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objects[keyOf(kind, namespace, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.resource.DeepCopy(), nil
}

// List implements store.Store.
func (s *Store) List(kind store.Kind, namespace string, sel store.Selector) ([]store.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Resource
	for k, e := range s.objects {
		if k.kind != kind {
			continue
		}
		if namespace != "" && k.namespace != namespace {
			continue
		}
		meta := *e.resource.Meta()
		if sel != nil && !sel(meta) {
			continue
		}
		out = append(out, e.resource.DeepCopy())
	}
	return out, nil
}

// Watch implements store.Store. The returned channel is closed when ctx
// is done; it is buffered so a slow consumer does not block Create/Patch
// callers, and events are dropped (not blocked on) past that buffer, the
// same at-least-once-with-catch-up-via-List posture the reconciliation
// engine's periodic requeue is designed to tolerate.
func (s *Store) Watch(ctx context.Context, kind store.Kind, namespace string, sel store.Selector) (<-chan store.Event, error) {
	ch := make(chan store.Event, 64)
	k := keyOf(kind, namespace, "")

	s.watchMu.Lock()
	s.watches[k] = append(s.watches[k], ch)
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		subs := s.watches[k]
		for i, c := range subs {
			if c == ch {
				s.watches[k] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	_ = sel // selector filtering for watch is applied by callers on receipt; kept simple here
	return ch, nil
}

func (s *Store) publish(kind store.Kind, namespace string, ev store.Event) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watches[keyOf(kind, namespace, "")] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Create implements store.Store, assigning UID/ResourceVersion/CreatedAt.
func (s *Store) Create(res store.Resource) error {
	meta := res.Meta()
	s.mu.Lock()
	k := keyOf(res.Kind(), meta.Namespace, meta.Name)
	if _, exists := s.objects[k]; exists {
		s.mu.Unlock()
		return fmt.Errorf("memstore: %s %s/%s already exists", res.Kind(), meta.Namespace, meta.Name)
	}
	meta.UID = uuid.NewString()
	meta.ResourceVersion = "1"
	meta.CreatedAt = time.Now()
	s.objects[k] = &entry{resource: res.DeepCopy(), version: 1}
	s.mu.Unlock()

	s.publish(res.Kind(), meta.Namespace, store.Event{Type: store.Added, Resource: res.DeepCopy()})
	return nil
}

// Patch implements store.Store's merge-patch semantics against the
// resource's "spec" field only; metadata is not patched.
func (s *Store) Patch(kind store.Kind, namespace, name string, patch []byte, expectedResourceVersion string) error {
	return s.patch(kind, namespace, name, patch, expectedResourceVersion, false)
}

// PatchStatus implements store.Store; this reference store has no
// distinct status subresource, so it falls back to the same merge Patch
// performs, scoped to the "status" field, exactly as spec §4.6 allows.
func (s *Store) PatchStatus(kind store.Kind, namespace, name string, patch []byte, expectedResourceVersion string) error {
	return s.patch(kind, namespace, name, patch, expectedResourceVersion, true)
}

func (s *Store) patch(kind store.Kind, namespace, name string, patch []byte, expectedVersion string, statusOnly bool) error {
	s.mu.Lock()
	k := keyOf(kind, namespace, name)
	e, ok := s.objects[k]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if expectedVersion != "" && expectedVersion != strconv.Itoa(e.version) {
		s.mu.Unlock()
		return store.ErrConflict
	}

	merged, err := mergePatch(e.resource, patch, statusOnly)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("memstore: merge patch: %w", err)
	}

	e.version++
	merged.Meta().ResourceVersion = strconv.Itoa(e.version)
	e.resource = merged
	out := merged.DeepCopy()
	s.mu.Unlock()

	s.publish(kind, namespace, store.Event{Type: store.Modified, Resource: out})
	return nil
}

// Delete removes a resource. It is not part of store.Store's five §4.6
// operations, so code holding only a store.Store cannot call it.
func (s *Store) Delete(kind store.Kind, namespace, name string) error {
	s.mu.Lock()
	k := keyOf(kind, namespace, name)
	e, ok := s.objects[k]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.objects, k)
	s.mu.Unlock()

	s.publish(kind, namespace, store.Event{Type: store.Deleted, Resource: e.resource})
	return nil
}

// mergePatch applies an RFC 7386 JSON merge patch to res's spec (or
// status, when statusOnly) by round-tripping through encoding/json: it
// marshals the resource, merges the patch document into the relevant
// top-level field, then unmarshals back into a fresh value of the same
// concrete type.
func mergePatch(res store.Resource, patch []byte, statusOnly bool) (store.Resource, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var whole map[string]json.RawMessage
	if err := json.Unmarshal(raw, &whole); err != nil {
		return nil, err
	}

	field := "spec"
	if statusOnly {
		field = "status"
	}

	var patchDoc map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchDoc); err != nil {
		return nil, err
	}

	target, ok := whole[field]
	if !ok {
		target = json.RawMessage("{}")
	}
	mergedField, err := jsonMergePatch(target, patchDoc)
	if err != nil {
		return nil, err
	}
	whole[field] = mergedField

	mergedWhole, err := json.Marshal(whole)
	if err != nil {
		return nil, err
	}

	// Decode into a zero value, not a copy of the old resource: the merged
	// document is the complete post-patch state, and a key the patch
	// deleted via null must come back as the field's zero value rather
	// than the pre-patch one surviving the unmarshal.
	fresh, err := zeroResource(res.Kind())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mergedWhole, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func zeroResource(kind store.Kind) (store.Resource, error) {
	switch kind {
	case store.KindDevice:
		return &store.Device{}, nil
	case store.KindGateway:
		return &store.Gateway{}, nil
	case store.KindApplication:
		return &store.Application{}, nil
	default:
		return nil, fmt.Errorf("memstore: unknown kind %q", kind)
	}
}

// jsonMergePatch recursively merges patch into target per RFC 7386: a
// null value in patch deletes the key; any other scalar/array replaces
// wholesale; objects merge key-by-key.
func jsonMergePatch(target json.RawMessage, patch map[string]json.RawMessage) (json.RawMessage, error) {
	var targetObj map[string]json.RawMessage
	if len(target) > 0 && target[0] == '{' {
		if err := json.Unmarshal(target, &targetObj); err != nil {
			return nil, err
		}
	}
	if targetObj == nil {
		targetObj = map[string]json.RawMessage{}
	}

	for k, v := range patch {
		if string(v) == "null" {
			delete(targetObj, k)
			continue
		}
		if len(v) > 0 && v[0] == '{' {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(v, &nested); err == nil {
				merged, err := jsonMergePatch(targetObj[k], nested)
				if err != nil {
					return nil, err
				}
				targetObj[k] = merged
				continue
			}
		}
		targetObj[k] = v
	}

	return json.Marshal(targetObj)
}
