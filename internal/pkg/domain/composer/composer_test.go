package composer

import (
	"context"
	"strings"
	"testing"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"github.com/matryer/is"
)

type noopLookup struct{}

func (noopLookup) PrototypeOf(context.Context, uint) (uint, bool, error)        { return 0, false, nil }
func (noopLookup) RenderedReference(context.Context, uint) (string, bool, error) { return "", false, nil }

func TestComposeDallasTemperatureDefinition(t *testing.T) {
	is := is.New(t)

	target := Target{
		Row:       model.Target{Board: "nodemcuv2", PinHpp: "#ifndef PIN_HPP\n#define PIN_HPP\nenum class Pin { D1 = 5 };\n#endif\n"},
		Prototype: model.TargetPrototype{Arch: "esp8266", Platform: "https://github.com/platformio/platform-espressif8266"},
	}

	dallas := SensorView{
		Index: 0,
		Prototype: model.SensorPrototype{
			Name: "dallas_temperature",
			Dependencies: []model.SensorPrototypeDependency{
				{URL: "https://github.com/internet-of-plants/dallas-temperature"},
			},
			Includes: []model.SensorPrototypeInclude{{Name: "dallas_temperature.hpp"}},
			Definitions: []model.SensorPrototypeDefinition{
				{Line: "static dallas::TemperatureCollection soilTemperature{{index}}(IOP_PIN_RAW(config::soilTemperature{{index}}));"},
			},
			Measurements: []model.SensorPrototypeMeasurement{
				{HumanName: "Soil Temperature", Name: "soil_temperature_celsius{{index}}", Value: "soilTemperature{{index}}.measure();"},
			},
		},
		Setups: []string{"soilTemperature{{index}}.begin();"},
		Configs: []model.SensorConfig{
			{ConfigRequest: model.ConfigRequest{Name: "soilTemperature{{index}}", ConfigType: model.ConfigType{Name: "Pin"}}, Value: "D1"},
		},
	}

	result, err := Compose(context.Background(), target, []SensorView{dallas}, nil, noopLookup{})
	is.NoErr(err)

	is.True(strings.Contains(result.MainCpp, "static dallas::TemperatureCollection soilTemperature0(IOP_PIN_RAW(config::soilTemperature0));"))
	is.True(strings.Contains(result.MainCpp, "soilTemperature0.begin();"))
	is.True(strings.Contains(result.MainCpp, "static const Pin soilTemperature0 = D1;"))
	is.True(strings.Contains(result.MainCpp, "doc[\"soil_temperature_celsius0\"] = soilTemperature0.measure();"))
}

func TestComposeWaterPumpSetTimeSetup(t *testing.T) {
	is := is.New(t)

	target := Target{
		Row:       model.Target{Board: "nodemcuv2", PinHpp: "enum class Pin { D2 = 4 };"},
		Prototype: model.TargetPrototype{Arch: "esp8266"},
	}

	waterPump := SensorView{
		Index: 0,
		Prototype: model.SensorPrototype{
			Name: "water_pump",
		},
		Setups: []string{
			"waterPump{{index}}.begin();",
			"for (const auto &[moment, seconds]: config::waterPumpActions{{index}}) {\n  waterPump{{index}}.setTime(moment, seconds);\n}",
		},
		UnauthenticatedActions: []string{"waterPump{{index}}.actIfNeeded();"},
	}

	result, err := Compose(context.Background(), target, []SensorView{waterPump}, nil, noopLookup{})
	is.NoErr(err)

	is.True(strings.Contains(result.MainCpp, "waterPump0.setTime(moment, seconds);"))
	is.True(strings.Contains(result.MainCpp, "waterPump0.actIfNeeded();"))
}

func TestComposeDeviceConfigsRenderSSIDAndTimezone(t *testing.T) {
	is := is.New(t)

	target := Target{Row: model.Target{PinHpp: ""}, Prototype: model.TargetPrototype{Arch: "esp8266"}}

	deviceConfigs := []DeviceConfigView{
		{Request: model.DeviceConfigRequest{DeviceConfigType: model.DeviceConfigType{Widget: model.DeviceWidgetSSID}}, Value: `my "network"`},
		{Request: model.DeviceConfigRequest{DeviceConfigType: model.DeviceConfigType{Widget: model.DeviceWidgetTimezone}}, Value: "-3"},
	}

	result, err := Compose(context.Background(), target, nil, deviceConfigs, noopLookup{})
	is.NoErr(err)

	is.True(strings.Contains(result.MainCpp, `constexpr static char SSID_ROM_RAW[] IOP_ROM = "my \"network\"";`))
	is.True(strings.Contains(result.MainCpp, "constexpr static int8_t timezone = -3;"))
	is.True(strings.Contains(result.MainCpp, "loop.setAccessPointCredentials(config::SSID, config::PSK);"))
	is.True(strings.Contains(result.MainCpp, "loop.setTimezone(config::timezone);"))
}

func TestComposeRejectsInvalidTimezone(t *testing.T) {
	is := is.New(t)

	target := Target{Row: model.Target{}, Prototype: model.TargetPrototype{}}
	deviceConfigs := []DeviceConfigView{
		{Request: model.DeviceConfigRequest{DeviceConfigType: model.DeviceConfigType{Widget: model.DeviceWidgetTimezone}}, Value: "not-a-number"},
	}

	_, err := Compose(context.Background(), target, nil, deviceConfigs, noopLookup{})
	is.True(err != nil)
}
