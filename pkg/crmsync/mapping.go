package crmsync

import (
	"fmt"
	"strings"

	"github.com/dialogtree/dialog/pkg/registry"
)

// TransformFunc rewrites one field value during mapping.
type TransformFunc func(value any) (any, error)

// ValidateFunc rejects invalid field values.
type ValidateFunc func(value any) error

// Transforms is the named transform registry. Unknown transform names fail
// the mapping instead of passing values through silently.
type Transforms struct {
	transforms *registry.BaseRegistry[TransformFunc]
	validators *registry.BaseRegistry[ValidateFunc]
}

func NewTransforms() *Transforms {
	t := &Transforms{
		transforms: registry.NewBaseRegistry[TransformFunc](),
		validators: registry.NewBaseRegistry[ValidateFunc](),
	}
	t.registerBuiltins()
	return t
}

func (t *Transforms) registerBuiltins() {
	_ = t.RegisterTransform("uppercase", func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("uppercase expects a string, got %T", v)
		}
		return strings.ToUpper(s), nil
	})
	_ = t.RegisterTransform("lowercase", func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("lowercase expects a string, got %T", v)
		}
		return strings.ToLower(s), nil
	})
	_ = t.RegisterTransform("trim", func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("trim expects a string, got %T", v)
		}
		return strings.TrimSpace(s), nil
	})
	_ = t.RegisterValidator("non_empty", func(v any) error {
		if v == nil {
			return fmt.Errorf("value is empty")
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return fmt.Errorf("value is empty")
		}
		return nil
	})
}

func (t *Transforms) RegisterTransform(name string, fn TransformFunc) error {
	return t.transforms.Register(name, fn)
}

func (t *Transforms) RegisterValidator(name string, fn ValidateFunc) error {
	return t.validators.Register(name, fn)
}

// FieldMapping declares how one field travels between sides.
type FieldMapping struct {
	LocalField  string `yaml:"local_field"`
	RemoteField string `yaml:"remote_field"`
	Type        string `yaml:"type,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	// Transform applies local->remote; InverseTransform applies
	// remote->local. Untransformed bidirectional fields round-trip
	// unchanged.
	Transform        string `yaml:"transform,omitempty"`
	InverseTransform string `yaml:"inverse_transform,omitempty"`
	Validate         string `yaml:"validate,omitempty"`
}

// Mapping is the declarative per-object-type field map.
type Mapping struct {
	ObjectType string         `yaml:"object_type"`
	Direction  Direction      `yaml:"direction"`
	Strategy   Strategy       `yaml:"strategy"`
	RetryLimit int            `yaml:"retry_limit,omitempty"`
	Fields     []FieldMapping `yaml:"fields"`
}

func (m *Mapping) SetDefaults() {
	if m.Direction == "" {
		m.Direction = DirectionBidirectional
	}
	if m.Strategy == "" {
		m.Strategy = StrategyLastWriteWins
	}
	if m.RetryLimit == 0 {
		m.RetryLimit = 3
	}
}

// LocalToRemote maps a local object into its remote shape.
func (m *Mapping) LocalToRemote(t *Transforms, obj Object) (Object, error) {
	return m.apply(t, obj, true)
}

// RemoteToLocal maps a remote object into its local shape.
func (m *Mapping) RemoteToLocal(t *Transforms, obj Object) (Object, error) {
	return m.apply(t, obj, false)
}

func (m *Mapping) apply(t *Transforms, obj Object, toRemote bool) (Object, error) {
	out := Object{ID: obj.ID, Fields: make(map[string]any, len(m.Fields)), ModifiedAt: obj.ModifiedAt}

	for _, fm := range m.Fields {
		srcField, dstField := fm.LocalField, fm.RemoteField
		transformName := fm.Transform
		if !toRemote {
			srcField, dstField = fm.RemoteField, fm.LocalField
			transformName = fm.InverseTransform
		}

		value, ok := obj.Fields[srcField]
		if !ok {
			if fm.Required {
				return Object{}, fmt.Errorf("required field %q missing on %s", srcField, obj.ID)
			}
			continue
		}

		if fm.Validate != "" {
			validator, found := t.validators.Get(fm.Validate)
			if !found {
				return Object{}, fmt.Errorf("unknown validator %q for field %q", fm.Validate, srcField)
			}
			if err := validator(value); err != nil {
				return Object{}, fmt.Errorf("field %q failed validation %q: %w", srcField, fm.Validate, err)
			}
		}

		if transformName != "" {
			transform, found := t.transforms.Get(transformName)
			if !found {
				return Object{}, fmt.Errorf("unknown transform %q for field %q", transformName, srcField)
			}
			transformed, err := transform(value)
			if err != nil {
				return Object{}, fmt.Errorf("transform %q failed on field %q: %w", transformName, srcField, err)
			}
			value = transformed
		}

		out.Fields[dstField] = value
	}
	return out, nil
}
