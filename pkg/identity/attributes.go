package identity

import (
	"fmt"
	"strings"
)

// Gender is the perceived gender attached to a face. The zero value is
// [GenderUnknown], which scores as absent.
type Gender string

const (
	GenderUnknown Gender = ""
	GenderMale    Gender = "Male"
	GenderFemale  Gender = "Female"
)

// ParseGender maps free-form labels onto a Gender. Anything other than
// male/female (any case, surrounding space ignored) is GenderUnknown.
func ParseGender(s string) Gender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m":
		return GenderMale
	case "female", "f":
		return GenderFemale
	default:
		return GenderUnknown
	}
}

// Known reports whether g is Male or Female.
func (g Gender) Known() bool {
	return g == GenderMale || g == GenderFemale
}

// UnmarshalText accepts any label understood by ParseGender.
func (g *Gender) UnmarshalText(text []byte) error {
	*g = ParseGender(string(text))
	return nil
}

// RGB is a clothing color as red, green and blue channels.
//
// It is a slice rather than an array so that malformed stored values
// (wrong component count) survive decoding and can be detected by Valid.
type RGB []int

// Valid reports whether c has exactly three channels in 0..255.
func (c RGB) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for _, v := range c {
		if v < 0 || v > 255 {
			return false
		}
	}
	return true
}

func (c RGB) String() string {
	if !c.Valid() {
		return fmt.Sprintf("invalid%v", []int(c))
	}
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// Attributes is the heterogeneous metadata extracted next to an embedding.
// Every field is optional.
type Attributes struct {
	Age    *int   `json:"age,omitempty" yaml:"age,omitempty" msgpack:"age,omitempty"`
	Gender Gender `json:"gender,omitempty" yaml:"gender,omitempty" msgpack:"gender,omitempty"`
	Color  RGB    `json:"color,omitempty" yaml:"color,omitempty" msgpack:"color,omitempty"`
}

// Age returns a pointer to age, for building Attributes literals.
func Age(age int) *int {
	return &age
}

// Clone returns a deep copy of a. A nil receiver yields nil.
func (a *Attributes) Clone() *Attributes {
	if a == nil {
		return nil
	}
	out := &Attributes{Gender: a.Gender}
	if a.Age != nil {
		out.Age = Age(*a.Age)
	}
	if a.Color != nil {
		out.Color = append(RGB(nil), a.Color...)
	}
	return out
}

// Empty reports whether a carries no usable attribute at all.
func (a *Attributes) Empty() bool {
	return a == nil || (a.Age == nil && !a.Gender.Known() && !a.Color.Valid())
}
