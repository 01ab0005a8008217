// Package addon knows how to talk to upstream stream-providing addons: it
// holds the provider descriptor model, the preset registry that produces
// descriptors from user configuration, and the fetcher that queries a
// provider's resources.
package addon

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Resources an addon can expose.
const (
	ResourceStream       = "stream"
	ResourceSubtitles    = "subtitles"
	ResourceCatalog      = "catalog"
	ResourceMeta         = "meta"
	ResourceAddonCatalog = "addon_catalog"
)

// Descriptor describes one upstream provider instance for the duration of a
// request. Descriptors are produced by preset factories and are immutable
// once built.
type Descriptor struct {
	// InstanceID is unique within a user configuration and must not contain
	// ".", because stream IDs are built as "<instanceID>.<index>".
	InstanceID  string
	ManifestURL string
	DisplayName string
	// Identifier is the preset the descriptor was produced from.
	Identifier string
	// ShortID is the abbreviation shown in formatted stream names.
	ShortID string

	Timeout      time.Duration
	Resources    []string
	MediaTypes   []string
	StreamTypes  []string // advertised stream types, e.g. "usenet" or "live"
	ExtraHeaders map[string]string

	ForceToTop        bool
	Library           bool
	FormatPassthrough bool
	ResultPassthrough bool
}

// Validate checks the invariants a preset factory must uphold.
func (d *Descriptor) Validate() error {
	if d.InstanceID == "" {
		return errors.New("descriptor has an empty instance ID")
	}
	if strings.Contains(d.InstanceID, ".") {
		return fmt.Errorf("instance ID %q must not contain '.'", d.InstanceID)
	}
	if d.ManifestURL == "" {
		return fmt.Errorf("descriptor %q has an empty manifest URL", d.InstanceID)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("descriptor %q has a non-positive timeout", d.InstanceID)
	}
	return nil
}

// SupportsResource reports whether the descriptor advertises the resource.
// An empty resource list means "streams only".
func (d *Descriptor) SupportsResource(resource string) bool {
	if len(d.Resources) == 0 {
		return resource == ResourceStream
	}
	for _, r := range d.Resources {
		if r == resource {
			return true
		}
	}
	return false
}

// SupportsMediaType reports whether the descriptor serves the media type.
// An empty list means all types.
func (d *Descriptor) SupportsMediaType(mediaType string) bool {
	if len(d.MediaTypes) == 0 {
		return true
	}
	for _, t := range d.MediaTypes {
		if t == mediaType {
			return true
		}
	}
	return false
}

// PresetFactory turns a preset's opaque option map into provider descriptors.
type PresetFactory func(options map[string]interface{}) ([]Descriptor, error)

var (
	presetMu       sync.RWMutex
	presetRegistry = map[string]PresetFactory{}
)

// RegisterPreset registers a factory under a preset ID. Later registrations
// replace earlier ones, which tests rely on.
func RegisterPreset(presetID string, factory PresetFactory) {
	presetMu.Lock()
	defer presetMu.Unlock()
	presetRegistry[presetID] = factory
}

// LookupPreset returns the factory for a preset ID.
func LookupPreset(presetID string) (PresetFactory, bool) {
	presetMu.RLock()
	defer presetMu.RUnlock()
	factory, ok := presetRegistry[presetID]
	return factory, ok
}

// PresetIDs returns the registered preset IDs in sorted order.
func PresetIDs() []string {
	presetMu.RLock()
	defer presetMu.RUnlock()
	ids := make([]string, 0, len(presetRegistry))
	for id := range presetRegistry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PresetRef is a user configuration's reference to a preset.
type PresetRef struct {
	PresetID string
	Options  map[string]interface{}
}

// RemoveInvalidReferences drops references to presets that aren't registered.
// References are one-way from configuration to preset IDs, so this pre-pass
// is all that's needed to keep descriptor production cycle-free.
func RemoveInvalidReferences(refs []PresetRef) (valid []PresetRef, removed []string) {
	for _, ref := range refs {
		if _, ok := LookupPreset(ref.PresetID); ok {
			valid = append(valid, ref)
		} else {
			removed = append(removed, ref.PresetID)
		}
	}
	return valid, removed
}

// BuildDescriptors resolves all preset references into descriptors, dropping
// invalid references first and validating every produced descriptor.
func BuildDescriptors(refs []PresetRef) ([]Descriptor, []string, error) {
	valid, removed := RemoveInvalidReferences(refs)
	var descriptors []Descriptor
	for _, ref := range valid {
		factory, _ := LookupPreset(ref.PresetID)
		produced, err := factory(ref.Options)
		if err != nil {
			return nil, removed, fmt.Errorf("Couldn't build descriptors for preset %q: %w", ref.PresetID, err)
		}
		for i := range produced {
			if err := produced[i].Validate(); err != nil {
				return nil, removed, fmt.Errorf("preset %q produced an invalid descriptor: %w", ref.PresetID, err)
			}
		}
		descriptors = append(descriptors, produced...)
	}
	return descriptors, removed, nil
}
