package valuelang

import (
	"context"
	"errors"
	"testing"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/matryer/is"
)

type stubLookup struct {
	prototypeOf map[uint]uint
	references  map[uint]string
}

func (s stubLookup) PrototypeOf(_ context.Context, sensorID uint) (uint, bool, error) {
	p, ok := s.prototypeOf[sensorID]
	return p, ok, nil
}

func (s stubLookup) RenderedReference(_ context.Context, sensorID uint) (string, bool, error) {
	r, ok := s.references[sensorID]
	return r, ok, nil
}

func TestValidateAndCompileRoundTrip(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	lookup := stubLookup{}

	cases := []struct {
		name   string
		raw    any
		widget Widget
		want   string
	}{
		{"u8", float64(12), U8{}, "12"},
		{"seconds", float64(59), Seconds{}, "59"},
		{"float", float64(1.5), F32{}, "1.5"},
		{"symbol-free", "whatever", String{}, "whatever"},
		{"selection", "high", Selection{Options: []string{"low", "high"}}, "high"},
		{"moment", map[string]any{"hours": float64(1), "minutes": float64(2), "seconds": float64(3)}, MomentWidget{}, "relay::Moment(1, 2, 3)"},
	}

	for _, c := range cases {
		v, err := Validate(ctx, lookup, c.raw, c.widget, 0)
		is.NoErr(err)

		got, err := Compile(ctx, lookup, v)
		is.NoErr(err)
		is.Equal(got, c.want)
	}
}

func TestValidateRejectsValueNotInSelection(t *testing.T) {
	is := is.New(t)
	_, err := Validate(context.Background(), stubLookup{}, "nope", Selection{Options: []string{"a", "b"}}, 0)
	is.True(errors.Is(err, domainerr.ErrInvalidSelection))
}

func TestValidateRejectsOutOfRangeSeconds(t *testing.T) {
	is := is.New(t)
	_, err := Validate(context.Background(), stubLookup{}, float64(60), Seconds{}, 0)
	is.True(errors.Is(err, domainerr.ErrIntegerOutOfRange))
}

func TestValidateRejectsMistypedWidget(t *testing.T) {
	is := is.New(t)
	_, err := Validate(context.Background(), stubLookup{}, "a string", U8{}, 0)
	is.True(errors.Is(err, domainerr.ErrInvalidValType))
}

func TestValidateMapRecursesAndChecksSensorReferences(t *testing.T) {
	is := is.New(t)
	lookup := stubLookup{
		prototypeOf: map[uint]uint{7: 3},
		references:  map[uint]string{7: "soilTemperature0"},
	}

	raw := []any{
		map[string]any{
			"key":   map[string]any{"hours": float64(10), "minutes": float64(0), "seconds": float64(0)},
			"value": float64(7),
		},
	}

	widget := MapWidget{Key: MomentWidget{}, Value: Sensor{PrototypeID: 3}}

	v, err := Validate(context.Background(), lookup, raw, widget, 0)
	is.NoErr(err)

	m, ok := v.(Map)
	is.True(ok)
	is.Equal(len(m), 1)

	compiled, err := Compile(context.Background(), lookup, m[0].Value)
	is.NoErr(err)
	is.Equal(compiled, "soilTemperature0")
}

func TestValidateRejectsWrongSensorKind(t *testing.T) {
	is := is.New(t)
	lookup := stubLookup{prototypeOf: map[uint]uint{7: 99}}
	_, err := Validate(context.Background(), lookup, float64(7), Sensor{PrototypeID: 3}, 0)
	is.True(errors.Is(err, domainerr.ErrWrongSensorKind))
}

func TestValidateRejectsDeepMaps(t *testing.T) {
	is := is.New(t)
	var raw any = float64(1)
	widget := Widget(U64{})
	for i := 0; i < MaxDepth+2; i++ {
		raw = []any{map[string]any{"key": raw, "value": raw}}
		widget = MapWidget{Key: widget, Value: widget}
	}

	_, err := Validate(context.Background(), stubLookup{}, raw, widget, 0)
	is.True(errors.Is(err, domainerr.ErrMaxDepthExceeded))
}

func TestValidateDeviceValue(t *testing.T) {
	is := is.New(t)

	ssid, err := ValidateDeviceValue(DeviceWidgetSSID, "my-network")
	is.NoErr(err)
	is.Equal(ssid, "my-network")

	tz, err := ValidateDeviceValue(DeviceWidgetTimezone, "-3")
	is.NoErr(err)
	is.Equal(tz, "-3")

	_, err = ValidateDeviceValue(DeviceWidgetTimezone, "not-a-number")
	is.True(errors.Is(err, domainerr.ErrInvalidTimezone))
}
