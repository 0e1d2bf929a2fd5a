// Package application wires the domain packages (catalog, sensor,
// deviceconfig, compiler, firmware, ota) into the single facade the
// presentation layer drives, the same role application.go plays in the
// teacher service: a thin orchestration layer, no business rules of
// its own.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/internet-of-plants/fleetforge/internal/pkg/application/notify"
	"github.com/internet-of-plants/fleetforge/internal/pkg/application/recompile"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/build"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/catalog"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/compiler"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/deviceconfig"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/firmware"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/ota"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/sensor"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/valuelang"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// FleetManagement is the operation set the presentation layer drives.
// It mirrors the HTTP surface the core dictates: compiler creation,
// forced rebuilds, compilation listing, OTA delivery and the two
// compiler-scoped sensor display properties.
type FleetManagement interface {
	Start(ctx context.Context)

	CreateCompiler(ctx context.Context, req NewCompilerRequest) (CompilationView, error)
	ForceRebuild(ctx context.Context, compilationID uint) (CompilationView, error)
	ListCompilations(ctx context.Context) ([]CompilationView, error)
	CheckForUpdate(ctx context.Context, mac, reportedHash string) (*ota.Update, error)
	SetSensorAlias(ctx context.Context, deviceID, sensorID uint, alias string) error
	SetSensorColor(ctx context.Context, deviceID, sensorID uint, color string) error

	// ObserveDeviceStatus records a device-status message's reported
	// firmware hash and observation time against the mac it names. A
	// mac with no matching device is not auto-registered and yields
	// domainerr.ErrNothingFound, mirroring CheckForUpdate. No operation
	// of this facade creates Device rows.
	ObserveDeviceStatus(ctx context.Context, mac, reportedHash string, seenAt time.Time) error
}

// NewSensor is one sensor a /v1/compiler request asks to attach.
type NewSensor struct {
	PrototypeID uint
	Alias       string
	Configs     []sensor.ConfigInput
}

// NewDeviceConfig is one device-level value a /v1/compiler request
// submits, e.g. SSID, PSK or timezone.
type NewDeviceConfig struct {
	ConfigRequestID uint
	RawValue        string
}

// NewCompilerRequest is the decoded body of POST /v1/compiler.
type NewCompilerRequest struct {
	OrganizationID uint
	DeviceID       *uint
	TargetID       uint
	Sensors        []NewSensor
	DeviceConfigs  []NewDeviceConfig
}

// CompilationView is what callers get back: the compiler and
// compilation rows together, since every endpoint that returns a
// compilation also needs to know which compiler produced it.
type CompilationView struct {
	Compiler    model.Compiler
	Compilation model.Compilation
}

func New(db *gorm.DB, catalogStore *catalog.Store, pioBin string, notifier notify.Sender, recompileInterval time.Duration, log zerolog.Logger) FleetManagement {
	firmwareStore := firmware.New(db)
	builder := build.New(pioBin)

	compilerStore := compiler.New(db, catalogStore, builder, firmwareStore, log)

	a := &app{
		db:            db,
		catalog:       catalogStore,
		sensor:        sensor.New(db, catalogStore),
		deviceConfig:  deviceconfig.New(db),
		compiler:      compilerStore,
		firmware:      firmwareStore,
		ota:           ota.New(db),
		notifier:      notifier,
		log:           log,
		scheduler:     recompile.New(compilerStore, catalogStore, log, recompileInterval),
	}

	return a
}

type app struct {
	db           *gorm.DB
	catalog      *catalog.Store
	sensor       *sensor.Store
	deviceConfig *deviceconfig.Store
	compiler     *compiler.Store
	firmware     *firmware.Store
	ota          *ota.Store
	notifier     notify.Sender
	log          zerolog.Logger
	scheduler    recompile.Scheduler
}

func (a *app) Start(ctx context.Context) {
	a.scheduler.Start(ctx)
}

func (a *app) CreateCompiler(ctx context.Context, req NewCompilerRequest) (CompilationView, error) {
	var attached []compiler.AttachedSensor
	for _, s := range req.Sensors {
		lookup := &requestScopedLookup{db: a.db}
		inst, err := a.sensor.CreateOrReuse(ctx, s.PrototypeID, []uint{req.TargetID}, s.Configs, lookup)
		if err != nil {
			return CompilationView{}, err
		}
		attached = append(attached, compiler.AttachedSensor{SensorID: inst.ID, Alias: s.Alias})
	}

	var deviceConfigIDs []uint
	for _, dc := range req.DeviceConfigs {
		row, err := a.deviceConfig.CreateOrReuse(ctx, req.OrganizationID, deviceconfig.Input{
			ConfigRequestID: dc.ConfigRequestID,
			RawValue:        dc.RawValue,
		})
		if err != nil {
			return CompilationView{}, err
		}
		deviceConfigIDs = append(deviceConfigIDs, row.ID)
	}

	collectionID, err := a.resolveCollectionID(ctx, req.OrganizationID, req.TargetID, req.DeviceID)
	if err != nil {
		return CompilationView{}, err
	}

	result, err := a.compiler.FindOrCreate(ctx, compiler.Request{
		TargetID:        req.TargetID,
		OrganizationID:  req.OrganizationID,
		Sensors:         attached,
		DeviceConfigIDs: deviceConfigIDs,
		CollectionID:    collectionID,
		DeviceID:        req.DeviceID,
	})
	if err != nil {
		return CompilationView{}, err
	}

	a.notifyCompiled(ctx, *result)

	return CompilationView{Compiler: result.Compiler, Compilation: result.Compilation}, nil
}

func (a *app) ForceRebuild(ctx context.Context, compilationID uint) (CompilationView, error) {
	compilation, err := a.compiler.ForceRebuild(ctx, compilationID)
	if err != nil {
		return CompilationView{}, err
	}

	var compilerRow model.Compiler
	if err := a.db.WithContext(ctx).First(&compilerRow, compilation.CompilerID).Error; err != nil {
		return CompilationView{}, err
	}

	a.notifyCompiled(ctx, compiler.Result{Compiler: compilerRow, Compilation: *compilation})

	return CompilationView{Compiler: compilerRow, Compilation: *compilation}, nil
}

func (a *app) ListCompilations(ctx context.Context) ([]CompilationView, error) {
	compilations, err := a.compiler.ListCompilations(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]CompilationView, 0, len(compilations))
	for _, c := range compilations {
		var compilerRow model.Compiler
		if err := a.db.WithContext(ctx).First(&compilerRow, c.CompilerID).Error; err != nil {
			continue
		}
		views = append(views, CompilationView{Compiler: compilerRow, Compilation: c})
	}

	return views, nil
}

func (a *app) CheckForUpdate(ctx context.Context, mac, reportedHash string) (*ota.Update, error) {
	var device model.Device
	if err := a.db.WithContext(ctx).Where("mac = ?", mac).First(&device).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domainerr.ErrNothingFound
		}
		return nil, err
	}

	return a.ota.Check(ctx, device.ID, reportedHash)
}

func (a *app) ObserveDeviceStatus(ctx context.Context, mac, reportedHash string, seenAt time.Time) error {
	var device model.Device
	err := a.db.WithContext(ctx).Preload("Collection").Where("mac = ?", mac).First(&device).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domainerr.ErrNothingFound
		}
		return err
	}

	if reportedHash != "" {
		if _, err := a.firmware.FindByHash(ctx, device.Collection.OrganizationID, reportedHash); err == domainerr.ErrNothingFound {
			if _, err := a.firmware.PutUnknown(ctx, device.Collection.OrganizationID, reportedHash); err != nil {
				a.log.Error().Err(err).Str("mac", mac).Msg("failed to record unknown firmware")
			}
		}
	}

	result := a.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", device.ID).
		Updates(map[string]any{"last_observed_hash": reportedHash, "last_seen_at": seenAt})
	return result.Error
}

func (a *app) SetSensorAlias(ctx context.Context, deviceID, sensorID uint, alias string) error {
	return a.compiler.UpdateSensorAlias(ctx, deviceID, sensorID, alias)
}

func (a *app) SetSensorColor(ctx context.Context, deviceID, sensorID uint, color string) error {
	return a.compiler.UpdateSensorColor(ctx, deviceID, sensorID, color)
}

// resolveCollectionID finds the collection a new compiler should
// reconcile against. A device that is already registered carries its
// own collection. A device the caller has not registered yet (or no
// device at all, a collection-only compile) falls back to the
// organization's one collection for this target prototype, created on
// first use.
func (a *app) resolveCollectionID(ctx context.Context, organizationID, targetID uint, deviceID *uint) (uint, error) {
	if deviceID != nil {
		var device model.Device
		if err := a.db.WithContext(ctx).First(&device, *deviceID).Error; err == nil {
			return device.CollectionID, nil
		} else if err != gorm.ErrRecordNotFound {
			return 0, err
		}
	}

	target, err := a.catalog.FindTarget(ctx, targetID)
	if err != nil {
		return 0, err
	}

	var collection model.Collection
	err = a.db.WithContext(ctx).
		Where("organization_id = ? AND target_prototype_id = ?", organizationID, target.TargetPrototypeID).
		First(&collection).Error
	if err == nil {
		return collection.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return 0, err
	}

	collection = model.Collection{
		OrganizationID:    organizationID,
		TargetPrototypeID: target.TargetPrototypeID,
		Name:              fmt.Sprintf("org-%d-default", organizationID),
	}
	if err := a.db.WithContext(ctx).Create(&collection).Error; err != nil {
		return 0, err
	}
	return collection.ID, nil
}

func (a *app) notifyCompiled(ctx context.Context, result compiler.Result) {
	var fw model.Firmware
	err := a.db.WithContext(ctx).Where("compilation_id = ?", result.Compilation.ID).First(&fw).Error
	if err != nil {
		return
	}

	if err := a.notifier.Send(ctx, a.log, notify.FirmwareCompiled{
		CompilerID:    result.Compiler.ID,
		CompilationID: result.Compilation.ID,
		FirmwareHash:  fw.Hash,
		Timestamp:     result.Compilation.CreatedAt,
	}); err != nil {
		a.log.Error().Err(err).Msg("failed to deliver firmware.compiled notification")
	}
}

// requestScopedLookup resolves cross-sensor references while a
// /v1/compiler request validates its sensors, before any of them has
// been attached to a compiler. It resolves any sensor row already
// stored, by id; it does not restrict references to the sensors of this
// request or of one compiler. A reference to a sensor id with no row
// fails validation the same way an unknown sensor id would.
type requestScopedLookup struct {
	db *gorm.DB
}

func (l *requestScopedLookup) PrototypeOf(ctx context.Context, sensorID uint) (uint, bool, error) {
	var instance model.Sensor
	if err := l.db.WithContext(ctx).First(&instance, sensorID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return instance.SensorPrototypeID, true, nil
}

func (l *requestScopedLookup) RenderedReference(ctx context.Context, sensorID uint) (string, bool, error) {
	var instance model.Sensor
	if err := l.db.WithContext(ctx).Preload("SensorPrototype").First(&instance, sensorID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	if instance.SensorPrototype.VariableName == "" {
		return "", false, domainerr.ErrNoVariableNameForReferencedSensor
	}
	return instance.SensorPrototype.VariableName, true, nil
}

var _ valuelang.SensorLookup = (*requestScopedLookup)(nil)
