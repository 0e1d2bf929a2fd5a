// Package model holds the GORM row types backing every fleetforge
// entity, following the conventions of the teacher's
// repositories/database package: gorm.Model embedding, "unique" tags on
// identity columns, and explicit foreign keys rather than relying on
// GORM's naming magic.
package model

import (
	"time"

	"gorm.io/gorm"
)

// Organization is the coarse ownership boundary a collection belongs
// to. Membership, invites and per-user roles are out of scope; this is
// kept only as an ownership pointer so the rest of the model has
// somewhere to attach to.
type Organization struct {
	gorm.Model
	Name string `gorm:"unique"`
}

type Collection struct {
	gorm.Model
	Name             string
	Description      string
	OrganizationID   uint
	Organization     Organization
	TargetPrototypeID uint
	TargetPrototype  TargetPrototype
	CompilerID       *uint
	Compiler         *Compiler
}

// TargetPrototype groups boards that share a platformio platform,
// framework and toolchain configuration (e.g. "esp8266").
type TargetPrototype struct {
	gorm.Model
	CertsURL              string
	Arch                  string
	BuildFlags            string
	BuildUnflags          string
	Platform              string
	Framework             string
	PlatformPackages      string
	ExtraPlatformioParams string
	LdfMode               string
	Dependencies          []TargetPrototypeDependency
}

type TargetPrototypeDependency struct {
	gorm.Model
	TargetPrototypeID uint
	URL               string
	Branch            string
}

// Certificate is an append-only history of CA bundles fetched from a
// target prototype's CertsURL, deduplicated by content hash.
type Certificate struct {
	gorm.Model
	TargetPrototypeID uint   `gorm:"uniqueIndex:idx_cert_target_hash"`
	Hash              string `gorm:"uniqueIndex:idx_cert_target_hash"`
}

// Target is a concrete board (e.g. "nodemcuv2") built from a target
// prototype, with its own pin map and optional build flag overrides.
type Target struct {
	gorm.Model
	Name              string
	Board             string
	TargetPrototypeID uint
	TargetPrototype   TargetPrototype
	PinHpp            string
	BuildFlags        string
	Pins              []Pin
}

type Pin struct {
	gorm.Model
	TargetID uint
	Name     string
}

// SensorPrototype is the catalog entry describing how to wire a kind of
// sensor into generated firmware: its library dependency, the lines it
// contributes to main.cpp, and the configuration slots it exposes.
// Setups, authenticated and unauthenticated action lines are all rows
// of SensorPrototypeLine distinguished by Kind; the catalog package
// queries them separately rather than as GORM associations, since a
// single has-many can't split one table into three role-filtered
// slices.
type SensorPrototype struct {
	gorm.Model
	Name           string `gorm:"unique"`
	VariableName   string
	Dependencies   []SensorPrototypeDependency
	Includes       []SensorPrototypeInclude
	Definitions    []SensorPrototypeDefinition
	Measurements   []SensorPrototypeMeasurement
	ConfigRequests []ConfigRequest
}

type SensorPrototypeDependency struct {
	gorm.Model
	SensorPrototypeID uint
	URL               string
	Branch            string
}

type SensorPrototypeInclude struct {
	gorm.Model
	SensorPrototypeID uint
	Order             int
	Name              string
}

// SensorPrototypeDefinition is one {{index}}-templated top level
// declaration (e.g. a library object instance). ReferencedSensors names
// other sensor prototypes' variable names this line needs resolved
// configuration from, by request name.
type SensorPrototypeDefinition struct {
	gorm.Model
	SensorPrototypeID uint
	Order             int
	Line              string
	ReferencedSensors []SensorPrototypeReferencedSensor
}

type SensorPrototypeReferencedSensor struct {
	gorm.Model
	DefinitionID uint
	SensorName   string
	RequestName  string
}

type SensorPrototypeLineKind string

const (
	LineKindSetup                 SensorPrototypeLineKind = "setup"
	LineKindAuthenticatedAction   SensorPrototypeLineKind = "authenticated_action"
	LineKindUnauthenticatedAction SensorPrototypeLineKind = "unauthenticated_action"
)

// SensorPrototypeLine is a templated statement contributed to one of
// the setup/authenticated-action/unauthenticated-action bodies.
type SensorPrototypeLine struct {
	gorm.Model
	SensorPrototypeID uint
	Kind              SensorPrototypeLineKind
	Order             int
	Line              string
}

type MeasurementType string

const (
	MeasurementFloatCelsius MeasurementType = "float_celsius"
	MeasurementPercentage   MeasurementType = "percentage"
	MeasurementRawAnalog    MeasurementType = "raw_analog_read"
)

type MeasurementKind string

const (
	MeasurementAirTemperature  MeasurementKind = "air_temperature"
	MeasurementSoilTemperature MeasurementKind = "soil_temperature"
	MeasurementAirHumidity     MeasurementKind = "air_humidity"
	MeasurementSoilMoisture    MeasurementKind = "soil_moisture"
)

type SensorPrototypeMeasurement struct {
	gorm.Model
	SensorPrototypeID uint
	HumanName         string
	Name              string
	Value             string
	Type              MeasurementType
	Kind              MeasurementKind
}

type WidgetKind string

const (
	WidgetU8           WidgetKind = "u8"
	WidgetU16          WidgetKind = "u16"
	WidgetU32          WidgetKind = "u32"
	WidgetU64          WidgetKind = "u64"
	WidgetF32          WidgetKind = "f32"
	WidgetF64          WidgetKind = "f64"
	WidgetSeconds      WidgetKind = "seconds"
	WidgetString       WidgetKind = "string"
	WidgetSelection    WidgetKind = "selection"
	WidgetPinSelection WidgetKind = "pin_selection"
	WidgetMoment       WidgetKind = "moment"
	WidgetSensor       WidgetKind = "sensor"
	WidgetMap          WidgetKind = "map"
)

// ConfigType names the widget a config request renders, plus its
// fixed option list (Selection), referenced sensor prototype (Sensor)
// or nested key/value widgets (Map, parameterized over any other widget
// kind, including another Map). Name is empty for widgets that don't
// produce a standalone C++ declaration (PinSelection, raw Selection
// values embedded inline).
type ConfigType struct {
	gorm.Model
	Name              string
	Widget            WidgetKind
	SelectionOptions  []ConfigTypeSelectionOption
	SensorPrototypeID *uint
	MapKeyTypeID      *uint
	MapKeyType        *ConfigType `gorm:"foreignKey:MapKeyTypeID"`
	MapValueTypeID    *uint
	MapValueType      *ConfigType `gorm:"foreignKey:MapValueTypeID"`
}

type ConfigTypeSelectionOption struct {
	gorm.Model
	ConfigTypeID uint
	Option       string
}

// ConfigRequest is a named configuration slot a sensor prototype
// exposes; instantiating the sensor must supply exactly one value per
// request.
type ConfigRequest struct {
	gorm.Model
	SensorPrototypeID uint
	Name              string
	ConfigTypeID      uint
	ConfigType        ConfigType
}

// Sensor is a concrete, validated instance of a sensor prototype,
// deduplicated by its canonical configuration string within a
// prototype (see the sensor package's findByCanonical).
type Sensor struct {
	gorm.Model
	SensorPrototypeID uint
	SensorPrototype   SensorPrototype
	Configs           []SensorConfig
}

type SensorConfig struct {
	gorm.Model
	SensorID      uint
	ConfigRequestID uint
	ConfigRequest ConfigRequest
	Value         string
}

// SensorBelongsToCompiler is the join row carrying the per-compiler
// alias and display color a sensor is shown with.
type SensorBelongsToCompiler struct {
	gorm.Model
	SensorID   uint `gorm:"uniqueIndex:idx_sensor_compiler"`
	CompilerID uint `gorm:"uniqueIndex:idx_sensor_compiler"`
	Alias      string
	Color      string
}

type DeviceWidgetKind string

const (
	DeviceWidgetSSID     DeviceWidgetKind = "ssid"
	DeviceWidgetPSK      DeviceWidgetKind = "psk"
	DeviceWidgetTimezone DeviceWidgetKind = "timezone"
)

type DeviceConfigType struct {
	gorm.Model
	Name   string
	Widget DeviceWidgetKind
}

// DeviceConfigRequest is a target's device-level configuration slot
// (captive portal SSID/password, UTC offset). VariableName is the C++
// identifier it compiles to under namespace config.
type DeviceConfigRequest struct {
	gorm.Model
	TargetID           uint `gorm:"uniqueIndex:idx_device_config_request"`
	DeviceConfigTypeID uint `gorm:"uniqueIndex:idx_device_config_request"`
	VariableName       string `gorm:"uniqueIndex:idx_device_config_request"`
	Name               string
	DeviceConfigType   DeviceConfigType
}

// DeviceConfig is a validated device-level value, deduplicated by
// (request, value, organization) so repeated collections reuse rows.
type DeviceConfig struct {
	gorm.Model
	DeviceConfigRequestID uint
	DeviceConfigRequest   DeviceConfigRequest
	Value                 string
	OrganizationID        uint
}

type DeviceConfigBelongsToCompiler struct {
	gorm.Model
	DeviceConfigID uint `gorm:"uniqueIndex:idx_deviceconfig_compiler"`
	CompilerID     uint `gorm:"uniqueIndex:idx_deviceconfig_compiler"`
}

// Compiler is a deduplicated set of (target, sensors, device configs).
// It owns at most one Collection (a compiler can be reused by several
// devices belonging to that collection) and accumulates Compilations as
// its inputs or the toolchain change.
type Compiler struct {
	gorm.Model
	TargetID       uint
	Target         Target
	OrganizationID uint
}

// Compilation is one build of a compiler's inputs. It is looked up
// before compiling by its exact (compiler, platformio.ini, main.cpp,
// pin.hpp) tuple so identical inputs reuse the same row and binary.
type Compilation struct {
	gorm.Model
	CompilerID     uint
	PlatformioIni  string `gorm:"type:text"`
	MainCpp        string `gorm:"type:text"`
	PinHpp         string `gorm:"type:text"`
	CertificateID  *uint
	Certificate    *Certificate
}

// Firmware is a content-addressed build artifact, addressed by
// (organization, hash) rather than hash alone: two organizations that
// happen to produce byte-identical binaries must not collide or leak
// each other's firmware rows. CompilationID is nil for binaries a
// device reports that the server never produced itself (factory-flashed
// or otherwise unrecognised).
type Firmware struct {
	gorm.Model
	CompilationID  *uint
	Hash           string `gorm:"uniqueIndex:idx_firmware_org_hash"`
	Binary         []byte `gorm:"type:bytea"`
	OrganizationID uint   `gorm:"uniqueIndex:idx_firmware_org_hash"`
}

// Device is one physical board, identified by its mac. No code path in
// this module creates Device rows: a compiler request naming an unknown
// device id falls back to the organization's default collection, and a
// device-status message for an unseen mac is rejected.
type Device struct {
	gorm.Model
	Mac               string `gorm:"unique"`
	CollectionID      uint
	Collection        Collection
	CurrentFirmwareID *uint
	CurrentFirmware   *Firmware
	Name              string
	LastObservedHash  string
	LastSeenAt        *time.Time
}

// Timestamps is embedded by rows that want created/updated without the
// soft-delete and numeric id gorm.Model carries, mirroring the
// teacher's lighter-weight join tables.
type Timestamps struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllModels lists every row type AutoMigrate needs to know about.
func AllModels() []any {
	return []any{
		&Organization{},
		&TargetPrototype{},
		&TargetPrototypeDependency{},
		&Certificate{},
		&Target{},
		&Pin{},
		&SensorPrototype{},
		&SensorPrototypeDependency{},
		&SensorPrototypeInclude{},
		&SensorPrototypeDefinition{},
		&SensorPrototypeReferencedSensor{},
		&SensorPrototypeLine{},
		&SensorPrototypeMeasurement{},
		&ConfigType{},
		&ConfigTypeSelectionOption{},
		&ConfigRequest{},
		&Sensor{},
		&SensorConfig{},
		&SensorBelongsToCompiler{},
		&DeviceConfigType{},
		&DeviceConfigRequest{},
		&DeviceConfig{},
		&DeviceConfigBelongsToCompiler{},
		&Compiler{},
		&Compilation{},
		&Firmware{},
		&Collection{},
		&Device{},
	}
}
