// Message templates describing the shape of generated telemetry payloads.
package template

import (
	"errors"
	"fmt"
)

// Field data types.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
	TypeUUID      FieldType = "uuid"
	TypeLocation  FieldType = "location"
)

// Generation patterns for numeric and string fields.
type Pattern string

const (
	PatternConstant Pattern = "constant"
	PatternRandom   Pattern = "random"
	PatternSine     Pattern = "sine"
	PatternLinear   Pattern = "linear"
	PatternGaussian Pattern = "gaussian"
)

var (
	// ErrInvalidTemplate reports out-of-domain pattern parameters or a
	// malformed field list.
	ErrInvalidTemplate = errors.New("invalid template")
	// ErrUnsupportedFieldType reports an unrecognized field type.
	ErrUnsupportedFieldType = errors.New("unsupported field type")
)

// Field configures one named payload field.
type Field struct {
	Name    string    `yaml:"name" json:"name"`
	Type    FieldType `yaml:"type" json:"type"`
	Pattern Pattern   `yaml:"pattern" json:"pattern"`

	Constant any      `yaml:"constant,omitempty" json:"constant,omitempty"`
	Min      *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Slope    float64  `yaml:"slope,omitempty" json:"slope,omitempty"`

	Amplitude float64 `yaml:"amplitude,omitempty" json:"amplitude,omitempty"`
	Period    float64 `yaml:"period,omitempty" json:"period,omitempty"`
	Mean      float64 `yaml:"mean,omitempty" json:"mean,omitempty"`
	StdDev    float64 `yaml:"std_dev,omitempty" json:"std_dev,omitempty"`

	// Choices restricts random string fields to an enumeration.
	Choices []string `yaml:"choices,omitempty" json:"choices,omitempty"`
}

// Template is an immutable, ordered set of fields. It is shared read-only
// by every device instantiated from it.
type Template struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Fields      []Field `yaml:"fields" json:"fields"`
}

var knownTypes = map[FieldType]bool{
	TypeString: true, TypeInt: true, TypeFloat: true, TypeBool: true,
	TypeTimestamp: true, TypeUUID: true, TypeLocation: true,
}

var knownPatterns = map[Pattern]bool{
	PatternConstant: true, PatternRandom: true, PatternSine: true,
	PatternLinear: true, PatternGaussian: true,
}

// Validate checks the template before any generation happens. Construction
// errors are returned synchronously; nothing is partially applied.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: template name is empty", ErrInvalidTemplate)
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("%w: template %q has no fields", ErrInvalidTemplate, t.Name)
	}
	seen := make(map[string]bool, len(t.Fields))
	for i := range t.Fields {
		f := &t.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", ErrInvalidTemplate, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidTemplate, f.Name)
		}
		seen[f.Name] = true
		if !knownTypes[f.Type] {
			return fmt.Errorf("%w: field %q type %q", ErrUnsupportedFieldType, f.Name, f.Type)
		}
		if f.Pattern == "" {
			f.Pattern = PatternConstant
		}
		if !knownPatterns[f.Pattern] {
			return fmt.Errorf("%w: field %q pattern %q", ErrInvalidTemplate, f.Name, f.Pattern)
		}
		if err := f.validateParams(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Field) validateParams() error {
	switch f.Pattern {
	case PatternSine:
		if f.Period <= 0 {
			return fmt.Errorf("%w: field %q sine period must be > 0", ErrInvalidTemplate, f.Name)
		}
	case PatternGaussian:
		if f.StdDev < 0 {
			return fmt.Errorf("%w: field %q std_dev must be >= 0", ErrInvalidTemplate, f.Name)
		}
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return fmt.Errorf("%w: field %q min %v > max %v", ErrInvalidTemplate, f.Name, *f.Min, *f.Max)
	}
	return nil
}
