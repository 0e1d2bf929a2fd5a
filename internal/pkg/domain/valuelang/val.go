// Package valuelang implements the small value language used to fill in
// a sensor's configuration slots. A raw value arrives from the API as
// untyped JSON; Validate checks it against the widget declared by the
// config request it is answering and turns it into a typed Val. Compile
// later renders that Val into the literal that is spliced into the
// generated firmware source.
package valuelang

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
)

// MaxDepth bounds recursive Map nesting so a malicious or malformed
// payload cannot exhaust the stack during Validate or Compile.
const MaxDepth = 32

// Val is a validated, typed configuration value. The concrete types are
// Integer, Float, Symbol, SensorRef, Moment and Map.
type Val interface {
	isVal()
}

type Integer uint64

func (Integer) isVal() {}

type Float float64

func (Float) isVal() {}

// Symbol is a bare identifier or string literal, spliced verbatim into
// the generated source (e.g. a Selection option or enum member name).
type Symbol string

func (Symbol) isVal() {}

// SensorRef points at another sensor attached to the same compiler; it
// compiles to that sensor's rendered variable reference.
type SensorRef struct {
	SensorID uint
}

func (SensorRef) isVal() {}

type Moment struct {
	Hours, Minutes, Seconds uint8
}

func (Moment) isVal() {}

// Element is a single key/value pair of a Map value.
type Element struct {
	Key   Val
	Value Val
}

type Map []Element

func (Map) isVal() {}

// Widget describes the shape a raw value must take for a given config
// request. It mirrors the set of input widgets a sensor prototype's
// author can ask for.
type Widget interface {
	isWidget()
}

type U8 struct{}
type U16 struct{}
type U32 struct{}
type U64 struct{}
type F32 struct{}
type F64 struct{}

// Seconds constrains an integer to the [0, 60) range, used for the
// seconds component of timed actions.
type Seconds struct{}

// String accepts any string without constraining it to a fixed set.
type String struct{}

// Selection constrains a string value to one of a fixed set of options.
type Selection struct {
	Options []string
}

// PinSelection is the config-request-time widget; by the time a sensor
// is attached to a compiler it has been resolved to a Selection over the
// intersection of the target(s)' available pins. See ResolvePinSelection.
type PinSelection struct{}

type MomentWidget struct{}

// Sensor constrains an integer value to the id of a sensor instantiated
// from the given prototype. Which sensor ids resolve at all is decided
// by the SensorLookup passed to Validate.
type Sensor struct {
	PrototypeID uint
}

type MapWidget struct {
	Key   Widget
	Value Widget
}

func (U8) isWidget()           {}
func (U16) isWidget()          {}
func (U32) isWidget()          {}
func (U64) isWidget()          {}
func (F32) isWidget()          {}
func (F64) isWidget()          {}
func (Seconds) isWidget()      {}
func (String) isWidget()       {}
func (Selection) isWidget()    {}
func (PinSelection) isWidget() {}
func (MomentWidget) isWidget() {}
func (Sensor) isWidget()       {}
func (MapWidget) isWidget()    {}

// SensorLookup resolves the facts Validate and Compile need about a
// sensor without depending on the sensor package directly (which in turn
// depends on valuelang), avoiding an import cycle.
type SensorLookup interface {
	// PrototypeOf returns the prototype id a sensor instance was created
	// from, so Validate can check it against a Sensor widget.
	PrototypeOf(ctx context.Context, sensorID uint) (prototypeID uint, ok bool, err error)
	// RenderedReference returns the C++ identifier a sensor compiles to,
	// e.g. "soilTemperature0" for the first dallas-temperature sensor
	// attached to a compiler. ok is false if the prototype has no
	// variable name, or the sensor isn't part of the same compiler.
	RenderedReference(ctx context.Context, sensorID uint) (reference string, ok bool, err error)
}

// Validate decodes a raw JSON value against widget, producing a typed
// Val or one of the domainerr sentinel errors when the shapes don't
// match. raw is whatever encoding/json produced for the value: string,
// float64, map[string]any (a moment, recognised by its hours/minutes/
// seconds keys) or []any (a Map, encoded as a list of {"key":…,"value":…}
// objects).
func Validate(ctx context.Context, lookup SensorLookup, raw any, widget Widget, depth int) (Val, error) {
	if depth > MaxDepth {
		return nil, domainerr.ErrMaxDepthExceeded
	}

	switch r := raw.(type) {
	case string:
		switch w := widget.(type) {
		case Selection:
			for _, opt := range w.Options {
				if opt == r {
					return Symbol(r), nil
				}
			}
			return nil, fmt.Errorf("%w: %q is not one of %v", domainerr.ErrInvalidSelection, r, w.Options)
		case String:
			return Symbol(r), nil
		default:
			return nil, domainerr.ErrInvalidValType
		}

	case float64:
		switch w := widget.(type) {
		case Sensor:
			if r < 0 || r >= 1<<63 {
				return nil, domainerr.ErrIntegerOutOfRange
			}
			sensorID := uint(r)
			prototypeID, ok, err := lookup.PrototypeOf(ctx, sensorID)
			if err != nil {
				return nil, err
			}
			if !ok || prototypeID != w.PrototypeID {
				return nil, fmt.Errorf("%w: sensor %d is not an instance of prototype %d", domainerr.ErrWrongSensorKind, sensorID, w.PrototypeID)
			}
			if _, ok, err := lookup.RenderedReference(ctx, sensorID); err != nil {
				return nil, err
			} else if !ok {
				return nil, domainerr.ErrNoVariableNameForReferencedSensor
			}
			return SensorRef{SensorID: sensorID}, nil
		case Seconds:
			if r < 0 || r >= 60 {
				return nil, domainerr.ErrIntegerOutOfRange
			}
			return Integer(uint64(r)), nil
		case U8:
			return validateBoundedInt(r, 1<<8-1)
		case U16:
			return validateBoundedInt(r, 1<<16-1)
		case U32:
			return validateBoundedInt(r, 1<<32-1)
		case U64:
			if r < 0 {
				return nil, domainerr.ErrIntegerOutOfRange
			}
			return Integer(uint64(r)), nil
		case F32:
			return Float(float64(float32(r))), nil
		case F64:
			return Float(r), nil
		default:
			return nil, domainerr.ErrInvalidValType
		}

	case map[string]any:
		w, ok := widget.(MomentWidget)
		if !ok {
			return nil, domainerr.ErrInvalidValType
		}
		_ = w
		hours, herr := fieldAsUint8(r, "hours")
		minutes, merr := fieldAsUint8(r, "minutes")
		seconds, serr := fieldAsUint8(r, "seconds")
		if herr != nil || merr != nil || serr != nil {
			return nil, domainerr.ErrInvalidValType
		}
		if hours >= 24 || minutes >= 60 || seconds >= 60 {
			return nil, fmt.Errorf("%w: %02d:%02d:%02d", domainerr.ErrInvalidMoment, hours, minutes, seconds)
		}
		return Moment{Hours: hours, Minutes: minutes, Seconds: seconds}, nil

	case []any:
		w, ok := widget.(MapWidget)
		if !ok {
			return nil, domainerr.ErrInvalidValType
		}
		elements := make(Map, 0, len(r))
		for _, item := range r {
			pair, ok := item.(map[string]any)
			if !ok {
				return nil, domainerr.ErrInvalidValType
			}
			key, err := Validate(ctx, lookup, pair["key"], w.Key, depth+1)
			if err != nil {
				return nil, err
			}
			value, err := Validate(ctx, lookup, pair["value"], w.Value, depth+1)
			if err != nil {
				return nil, err
			}
			elements = append(elements, Element{Key: key, Value: value})
		}
		return elements, nil

	default:
		return nil, domainerr.ErrInvalidValType
	}
}

func validateBoundedInt(r float64, max uint64) (Val, error) {
	if r < 0 || uint64(r) > max {
		return nil, domainerr.ErrIntegerOutOfRange
	}
	return Integer(uint64(r)), nil
}

func fieldAsUint8(m map[string]any, key string) (uint8, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f > 255 {
		return 0, fmt.Errorf("field %q is not a small non-negative integer", key)
	}
	return uint8(f), nil
}

// Compile renders a validated Val into the C++ literal spliced into the
// generated firmware source.
func Compile(ctx context.Context, lookup SensorLookup, v Val) (string, error) {
	switch t := v.(type) {
	case Integer:
		return strconv.FormatUint(uint64(t), 10), nil
	case Float:
		return strconv.FormatFloat(float64(t), 'g', -1, 64), nil
	case Symbol:
		return string(t), nil
	case SensorRef:
		reference, ok, err := lookup.RenderedReference(ctx, t.SensorID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", domainerr.ErrNoVariableNameForReferencedSensor
		}
		return reference, nil
	case Moment:
		return fmt.Sprintf("relay::Moment(%d, %d, %d)", t.Hours, t.Minutes, t.Seconds), nil
	case Map:
		var b strings.Builder
		b.WriteString("{\n")
		for i, el := range t {
			key, err := Compile(ctx, lookup, el.Key)
			if err != nil {
				return "", err
			}
			value, err := Compile(ctx, lookup, el.Value)
			if err != nil {
				return "", err
			}
			b.WriteString("  std::make_pair(")
			b.WriteString(key)
			b.WriteString(", ")
			b.WriteString(value)
			b.WriteString(")")
			if i != len(t)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString("}")
		return b.String(), nil
	default:
		return "", domainerr.ErrInvalidValType
	}
}

// RawFromJSON decodes a raw config value from its wire representation
// into the generic shape Validate expects (string / float64 /
// map[string]any / []any), matching encoding/json's default decoding of
// an untagged value into interface{}.
func RawFromJSON(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DeviceWidget is the smaller, three-member widget set used by
// device-level (non-sensor) configuration: the captive portal
// credentials and the device's UTC offset.
type DeviceWidget int

const (
	DeviceWidgetSSID DeviceWidget = iota
	DeviceWidgetPSK
	DeviceWidgetTimezone
)

// ValidateDeviceValue checks a raw device config string against its
// widget. SSID and PSK accept any string; Timezone must parse as a
// signed 8 bit integer.
func ValidateDeviceValue(widget DeviceWidget, raw string) (string, error) {
	switch widget {
	case DeviceWidgetSSID, DeviceWidgetPSK:
		return raw, nil
	case DeviceWidgetTimezone:
		n, err := strconv.ParseInt(raw, 10, 8)
		if err != nil {
			return "", domainerr.ErrInvalidTimezone
		}
		return strconv.FormatInt(n, 10), nil
	default:
		return "", domainerr.ErrInvalidValType
	}
}
