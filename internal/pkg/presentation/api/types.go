package api

import (
	"encoding/json"

	"github.com/internet-of-plants/fleetforge/internal/pkg/application"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/sensor"
)

// ApiResponse wraps every JSON body the API returns in a stable
// envelope, independent of the shape of Data.
type ApiResponse struct {
	Data any `json:"data"`
}

func (r ApiResponse) Byte() []byte {
	b, _ := json.Marshal(r)
	return b
}

type configInputBody struct {
	ConfigRequestID uint `json:"request_id"`
	RawValue        any  `json:"value"`
}

type newSensorRequest struct {
	PrototypeID uint              `json:"prototype_id"`
	Alias       string            `json:"alias"`
	Configs     []configInputBody `json:"configs"`
}

type newDeviceConfigRequest struct {
	ConfigRequestID uint   `json:"request_id"`
	Value           string `json:"value"`
}

type newCompilerRequestBody struct {
	DeviceID      *uint                    `json:"device_id"`
	TargetID      uint                     `json:"target_id"`
	Sensors       []newSensorRequest       `json:"sensors"`
	DeviceConfigs []newDeviceConfigRequest `json:"device_configs"`
}

func (b newCompilerRequestBody) toDomain(organizationID uint) application.NewCompilerRequest {
	req := application.NewCompilerRequest{
		OrganizationID: organizationID,
		DeviceID:       b.DeviceID,
		TargetID:       b.TargetID,
	}

	for _, s := range b.Sensors {
		ns := application.NewSensor{PrototypeID: s.PrototypeID, Alias: s.Alias}
		for _, c := range s.Configs {
			ns.Configs = append(ns.Configs, sensor.ConfigInput{
				ConfigRequestID: c.ConfigRequestID,
				RawValue:        c.RawValue,
			})
		}
		req.Sensors = append(req.Sensors, ns)
	}

	for _, dc := range b.DeviceConfigs {
		req.DeviceConfigs = append(req.DeviceConfigs, application.NewDeviceConfig{
			ConfigRequestID: dc.ConfigRequestID,
			RawValue:        dc.Value,
		})
	}

	return req
}

type aliasRequest struct {
	DeviceID uint   `json:"device_id"`
	SensorID uint   `json:"sensor_id"`
	Alias    string `json:"alias"`
}

type colorRequest struct {
	DeviceID uint   `json:"device_id"`
	SensorID uint   `json:"sensor_id"`
	Color    string `json:"color"`
}

type compilationView struct {
	CompilerID    uint   `json:"compiler_id"`
	CompilationID uint   `json:"compilation_id"`
	PlatformioIni string `json:"platformio_ini"`
	MainCpp       string `json:"main_cpp"`
	PinHpp        string `json:"pin_hpp"`
}

func toCompilationView(v application.CompilationView) compilationView {
	return compilationView{
		CompilerID:    v.Compiler.ID,
		CompilationID: v.Compilation.ID,
		PlatformioIni: v.Compilation.PlatformioIni,
		MainCpp:       v.Compilation.MainCpp,
		PinHpp:        v.Compilation.PinHpp,
	}
}
