// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package adaptor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// PropertyType is the declared type of an adaptor property.
type PropertyType string

const (
	TypeBoolean  PropertyType = "BOOLEAN"
	TypeInteger  PropertyType = "INTEGER"
	TypeNatural  PropertyType = "NATURAL"
	TypeDouble   PropertyType = "DOUBLE"
	TypeString   PropertyType = "STRING"
	TypeSize     PropertyType = "SIZE"
	TypeDuration PropertyType = "DURATION"
)

// PropertyDescription declares one property an adaptor accepts.
type PropertyDescription struct {
	Name        string       `json:"name"`
	Type        PropertyType `json:"type"`
	Default     string       `json:"default"`
	Description string       `json:"description"`
}

// Properties is a validated property set. Lookups of declared properties
// that were not set return the declared default.
type Properties struct {
	values   map[string]string
	declared map[string]PropertyDescription
}

// ValidateProperties checks props against the schema of d. Unknown keys
// fail with UnknownProperty, values that do not parse as the declared type
// fail with PropertyType.
func ValidateProperties(d Description, props map[string]string) (Properties, error) {
	p := Properties{
		values:   make(map[string]string, len(props)),
		declared: make(map[string]PropertyDescription, len(d.SupportedProperties)),
	}
	for _, pd := range d.SupportedProperties {
		p.declared[pd.Name] = pd
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pd, ok := p.declared[k]
		if !ok {
			return Properties{}, errdefs.E(errdefs.UnknownProperty, d.Name, fmt.Sprintf("unknown property %q", k))
		}
		if err := checkType(pd.Type, props[k]); err != nil {
			return Properties{}, errdefs.E(errdefs.PropertyType, d.Name,
				fmt.Sprintf("property %q expects %s: %v", k, pd.Type, err))
		}
		p.values[k] = props[k]
	}
	return p, nil
}

func checkType(t PropertyType, v string) error {
	var err error
	switch t {
	case TypeBoolean:
		_, err = strconv.ParseBool(v)
	case TypeInteger:
		_, err = strconv.ParseInt(v, 10, 64)
	case TypeNatural:
		var n int64
		n, err = strconv.ParseInt(v, 10, 64)
		if err == nil && n < 0 {
			err = fmt.Errorf("%d is negative", n)
		}
	case TypeDouble:
		_, err = strconv.ParseFloat(v, 64)
	case TypeSize:
		_, err = parseSize(v)
	case TypeDuration:
		_, err = parseDuration(v)
	case TypeString:
	default:
		err = fmt.Errorf("undeclared type %q", t)
	}
	return err
}

func (p Properties) raw(name string) string {
	if v, ok := p.values[name]; ok {
		return v
	}
	return p.declared[name].Default
}

// String returns the value of name.
func (p Properties) String(name string) string { return p.raw(name) }

// Bool returns the value of a BOOLEAN property.
func (p Properties) Bool(name string) bool {
	b, _ := strconv.ParseBool(p.raw(name))
	return b
}

// Int returns the value of an INTEGER or NATURAL property.
func (p Properties) Int(name string) int64 {
	n, _ := strconv.ParseInt(p.raw(name), 10, 64)
	return n
}

// Float returns the value of a DOUBLE property.
func (p Properties) Float(name string) float64 {
	f, _ := strconv.ParseFloat(p.raw(name), 64)
	return f
}

// Size returns the value of a SIZE property in bytes.
func (p Properties) Size(name string) int64 {
	n, _ := parseSize(p.raw(name))
	return n
}

// Duration returns the value of a DURATION property.
func (p Properties) Duration(name string) time.Duration {
	d, _ := parseDuration(p.raw(name))
	return d
}

// Map returns the explicitly set properties.
func (p Properties) Map() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// parseSize accepts a byte count with an optional K, M or G suffix
// (powers of 1024).
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	return n * mult, nil
}

// parseDuration accepts Go duration syntax ("1500ms", "2s") or a bare
// number of milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%d is negative", n)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("%s is negative", s)
	}
	return d, nil
}
