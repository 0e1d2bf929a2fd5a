// Package catalog loads sensor and target prototype descriptors (JSON
// package files, see the external interfaces section of the
// specification this module implements) into the database and serves
// them back out to the sensor and compiler packages.
//
// Descriptors are immutable once referenced by a sensor instance: a
// prototype is identified by name and re-uploading the same name
// replaces its definition, following the teacher's
// clause.OnConflict{UpdateAll: true} idiom for idempotent seeding.
package catalog

import (
	"context"
	"crypto/md5" //nolint:gosec // content addressing, not a security boundary
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/samber/lo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var certTracer = otel.Tracer("fleetforge/catalog")

// certificateHTTPClient fetches target prototype certs_url bundles,
// mirroring the teacher's client package's otelhttp.NewTransport-wrapped
// client.
var certificateHTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// sensorPrototypeDescriptor is the JSON shape a sensor prototype package
// is uploaded as.
type sensorPrototypeDescriptor struct {
	Name         string                         `json:"name"`
	VariableName string                         `json:"variable_name"`
	Dependencies []dependencyDescriptor         `json:"dependencies"`
	Includes     []string                       `json:"includes"`
	Definitions  []definitionDescriptor         `json:"definitions"`
	Setups       []string                       `json:"setups"`
	AuthActions  []string                       `json:"authenticated_actions"`
	UnauthActions []string                      `json:"unauthenticated_actions"`
	Measurements []measurementDescriptor        `json:"measurements"`
	ConfigRequests []configRequestDescriptor    `json:"config_requests"`
}

type dependencyDescriptor struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

type definitionDescriptor struct {
	Line              string                       `json:"line"`
	ReferencedSensors []referencedSensorDescriptor `json:"referenced_sensors"`
}

type referencedSensorDescriptor struct {
	SensorName  string `json:"sensor_name"`
	RequestName string `json:"request_name"`
}

type measurementDescriptor struct {
	HumanName string `json:"human_name"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	Type      string `json:"type"`
	Kind      string `json:"kind"`
}

type configRequestDescriptor struct {
	Name string               `json:"name"`
	Type configTypeDescriptor `json:"type"`
}

// configTypeDescriptor describes a config request's widget. MapKey and
// MapValue are only set for a "map" widget and are themselves full
// config type descriptors, so a map can be parameterized over any other
// widget kind — including another map.
type configTypeDescriptor struct {
	Name             string                `json:"name"`
	Widget           string                `json:"widget"`
	SelectionOptions []string              `json:"selection_options,omitempty"`
	SensorPrototype  string                `json:"sensor_prototype,omitempty"`
	MapKey           *configTypeDescriptor `json:"map_key,omitempty"`
	MapValue         *configTypeDescriptor `json:"map_value,omitempty"`
}

// PutSensorPrototype decodes and persists a sensor prototype descriptor.
func (s *Store) PutSensorPrototype(ctx context.Context, raw []byte) (*model.SensorPrototype, error) {
	var desc sensorPrototypeDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("decoding sensor prototype descriptor: %w", err)
	}
	if desc.Name == "" {
		return nil, domainerr.ErrInvalidName
	}

	proto := &model.SensorPrototype{Name: desc.Name, VariableName: desc.VariableName}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"variable_name"}),
		}).Create(proto).Error; err != nil {
			return err
		}

		for _, d := range desc.Dependencies {
			if err := tx.Create(&model.SensorPrototypeDependency{SensorPrototypeID: proto.ID, URL: d.URL, Branch: d.Branch}).Error; err != nil {
				return err
			}
		}
		for i, inc := range desc.Includes {
			if err := tx.Create(&model.SensorPrototypeInclude{SensorPrototypeID: proto.ID, Order: i, Name: inc}).Error; err != nil {
				return err
			}
		}
		for i, def := range desc.Definitions {
			row := &model.SensorPrototypeDefinition{SensorPrototypeID: proto.ID, Order: i, Line: def.Line}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			for _, ref := range def.ReferencedSensors {
				if err := tx.Create(&model.SensorPrototypeReferencedSensor{DefinitionID: row.ID, SensorName: ref.SensorName, RequestName: ref.RequestName}).Error; err != nil {
					return err
				}
			}
		}
		if err := putLines(tx, proto.ID, model.LineKindSetup, desc.Setups); err != nil {
			return err
		}
		if err := putLines(tx, proto.ID, model.LineKindAuthenticatedAction, desc.AuthActions); err != nil {
			return err
		}
		if err := putLines(tx, proto.ID, model.LineKindUnauthenticatedAction, desc.UnauthActions); err != nil {
			return err
		}
		for _, m := range desc.Measurements {
			row := &model.SensorPrototypeMeasurement{
				SensorPrototypeID: proto.ID,
				HumanName:         m.HumanName,
				Name:              m.Name,
				Value:             m.Value,
				Type:              model.MeasurementType(m.Type),
				Kind:              model.MeasurementKind(m.Kind),
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		for _, cr := range desc.ConfigRequests {
			if err := putConfigRequest(tx, proto.ID, cr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting sensor prototype: %w", err)
	}

	return s.FindSensorPrototype(ctx, proto.ID)
}

func putLines(tx *gorm.DB, prototypeID uint, kind model.SensorPrototypeLineKind, lines []string) error {
	for i, line := range lines {
		if err := tx.Create(&model.SensorPrototypeLine{SensorPrototypeID: prototypeID, Kind: kind, Order: i, Line: line}).Error; err != nil {
			return err
		}
	}
	return nil
}

func putConfigRequest(tx *gorm.DB, prototypeID uint, cr configRequestDescriptor) error {
	ct, err := putConfigType(tx, cr.Type)
	if err != nil {
		return err
	}

	return tx.Create(&model.ConfigRequest{SensorPrototypeID: prototypeID, Name: cr.Name, ConfigTypeID: ct.ID}).Error
}

// putConfigType persists one config type descriptor, recursing into
// MapKey/MapValue first so a "map" widget's nested ConfigType rows
// exist before the map's own row references them.
func putConfigType(tx *gorm.DB, desc configTypeDescriptor) (*model.ConfigType, error) {
	ct := &model.ConfigType{Name: desc.Name, Widget: model.WidgetKind(desc.Widget)}

	if desc.SensorPrototype != "" {
		var referenced model.SensorPrototype
		if err := tx.Where("name = ?", desc.SensorPrototype).First(&referenced).Error; err != nil {
			return nil, fmt.Errorf("resolving referenced sensor prototype %q: %w", desc.SensorPrototype, err)
		}
		ct.SensorPrototypeID = &referenced.ID
	}

	if desc.MapKey != nil {
		keyType, err := putConfigType(tx, *desc.MapKey)
		if err != nil {
			return nil, fmt.Errorf("resolving map key type: %w", err)
		}
		ct.MapKeyTypeID = &keyType.ID
	}
	if desc.MapValue != nil {
		valueType, err := putConfigType(tx, *desc.MapValue)
		if err != nil {
			return nil, fmt.Errorf("resolving map value type: %w", err)
		}
		ct.MapValueTypeID = &valueType.ID
	}

	if err := tx.Create(ct).Error; err != nil {
		return nil, err
	}
	for _, opt := range desc.SelectionOptions {
		if err := tx.Create(&model.ConfigTypeSelectionOption{ConfigTypeID: ct.ID, Option: opt}).Error; err != nil {
			return nil, err
		}
	}

	return ct, nil
}

func (s *Store) FindSensorPrototype(ctx context.Context, id uint) (*model.SensorPrototype, error) {
	var proto model.SensorPrototype
	err := s.db.WithContext(ctx).
		Preload("Dependencies").
		Preload("Includes").
		Preload("Definitions.ReferencedSensors").
		Preload("Measurements").
		Preload("ConfigRequests.ConfigType.SelectionOptions").
		Preload("ConfigRequests.ConfigType.MapKeyType").
		Preload("ConfigRequests.ConfigType.MapValueType").
		First(&proto, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &proto, nil
}

// Lines returns the sensor prototype's setup, authenticated-action or
// unauthenticated-action lines in declaration order.
func (s *Store) Lines(ctx context.Context, prototypeID uint, kind model.SensorPrototypeLineKind) ([]string, error) {
	var rows []model.SensorPrototypeLine
	err := s.db.WithContext(ctx).
		Where("sensor_prototype_id = ? AND kind = ?", prototypeID, kind).
		Order("\"order\" asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r model.SensorPrototypeLine, _ int) string { return r.Line }), nil
}

// ResolvePinSelection intersects the pin sets of every target a
// compiler may run on, so a PinSelection config request offers only
// pins all of them actually have. The original implementation's
// attempt at this intersected incorrectly due to a variable shadowing
// bug; here the accumulator and the current target's pins are always
// distinct slices.
func (s *Store) ResolvePinSelection(ctx context.Context, targetIDs []uint) ([]string, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}

	var accumulated []string
	for i, id := range targetIDs {
		var pins []model.Pin
		if err := s.db.WithContext(ctx).Where("target_id = ?", id).Find(&pins).Error; err != nil {
			return nil, err
		}
		names := lo.Map(pins, func(p model.Pin, _ int) string { return p.Name })

		if i == 0 {
			accumulated = names
			continue
		}
		accumulated = lo.Intersect(accumulated, names)
	}

	sort.Strings(accumulated)
	return accumulated, nil
}

// targetPrototypeDescriptor and targetDescriptor mirror the JSON shape
// of target-prototype and target package descriptors.
type targetPrototypeDescriptor struct {
	CertsURL              string                 `json:"certs_url"`
	Arch                  string                 `json:"arch"`
	BuildFlags            string                 `json:"build_flags"`
	Platform              string                 `json:"platform"`
	Framework             string                 `json:"framework"`
	PlatformPackages      string                 `json:"platform_packages"`
	ExtraPlatformioParams string                 `json:"extra_platformio_params"`
	LdfMode               string                 `json:"ldf_mode"`
	Dependencies          []dependencyDescriptor `json:"dependencies"`
}

type targetDescriptor struct {
	Name              string   `json:"name"`
	Board             string   `json:"board"`
	PinHpp            string   `json:"pin_hpp"`
	BuildFlags        string   `json:"build_flags"`
	Pins              []string `json:"pins"`
	TargetPrototypeID uint     `json:"target_prototype_id"`
}

func (s *Store) PutTargetPrototype(ctx context.Context, raw []byte) (*model.TargetPrototype, error) {
	var desc targetPrototypeDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("decoding target prototype descriptor: %w", err)
	}

	proto := &model.TargetPrototype{
		CertsURL:              desc.CertsURL,
		Arch:                  desc.Arch,
		BuildFlags:            desc.BuildFlags,
		Platform:              desc.Platform,
		Framework:             desc.Framework,
		PlatformPackages:      desc.PlatformPackages,
		ExtraPlatformioParams: desc.ExtraPlatformioParams,
		LdfMode:               desc.LdfMode,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(proto).Error; err != nil {
			return err
		}
		for _, d := range desc.Dependencies {
			if err := tx.Create(&model.TargetPrototypeDependency{TargetPrototypeID: proto.ID, URL: d.URL, Branch: d.Branch}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting target prototype: %w", err)
	}

	return proto, nil
}

func (s *Store) PutTarget(ctx context.Context, raw []byte) (*model.Target, error) {
	var desc targetDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("decoding target descriptor: %w", err)
	}
	if desc.Name == "" {
		return nil, domainerr.ErrInvalidName
	}

	target := &model.Target{
		Name:              desc.Name,
		Board:             desc.Board,
		TargetPrototypeID: desc.TargetPrototypeID,
		PinHpp:            desc.PinHpp,
		BuildFlags:        desc.BuildFlags,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(target).Error; err != nil {
			return err
		}
		for _, pin := range desc.Pins {
			if err := tx.Create(&model.Pin{TargetID: target.ID, Name: pin}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting target: %w", err)
	}

	return target, nil
}

func (s *Store) FindTarget(ctx context.Context, id uint) (*model.Target, error) {
	var target model.Target
	err := s.db.WithContext(ctx).
		Preload("Pins").
		Preload("TargetPrototype.Dependencies").
		First(&target, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &target, nil
}

// TargetPrototypeCertsURLs returns every target prototype's id and
// CertsURL, for the background recompile pass to refresh certificates
// against.
func (s *Store) TargetPrototypeCertsURLs(ctx context.Context) (map[uint]string, error) {
	var prototypes []model.TargetPrototype
	if err := s.db.WithContext(ctx).Select("id", "certs_url").Find(&prototypes).Error; err != nil {
		return nil, err
	}
	urls := make(map[uint]string, len(prototypes))
	for _, p := range prototypes {
		if p.CertsURL != "" {
			urls[p.ID] = p.CertsURL
		}
	}
	return urls, nil
}

func (s *Store) LatestCertificate(ctx context.Context, targetPrototypeID uint) (*model.Certificate, error) {
	var cert model.Certificate
	err := s.db.WithContext(ctx).
		Where("target_prototype_id = ?", targetPrototypeID).
		Order("created_at desc").
		First(&cert).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cert, nil
}

// RefreshCertificate records a newly fetched CA bundle, deduplicated by
// content hash, mirroring the original's append-only certificate
// history triggered ahead of a background recompile.
func (s *Store) RefreshCertificate(ctx context.Context, targetPrototypeID uint, hash string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Certificate{TargetPrototypeID: targetPrototypeID, Hash: hash}).Error
}

// RefreshCertificateFromURL fetches a target prototype's CertsURL bundle
// over HTTP, MD5-hashes the body and appends a content-addressed row to
// its certificate history, mirroring the original's
// TargetPrototype::update_certificates. The background recompile pass
// calls this for every target prototype ahead of deciding which
// compilers have fallen behind the latest bundle.
func (s *Store) RefreshCertificateFromURL(ctx context.Context, targetPrototypeID uint, certsURL string) error {
	var err error
	ctx, span := certTracer.Start(ctx, "refresh-certificate")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certsURL, nil)
	if err != nil {
		return fmt.Errorf("building certs request: %w", err)
	}

	resp, err := certificateHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching certs bundle: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading certs bundle: %w", err)
	}

	sum := md5.Sum(body) //nolint:gosec
	err = s.RefreshCertificate(ctx, targetPrototypeID, fmt.Sprintf("%X", sum))
	return err
}

func translate(err error) error {
	if err == gorm.ErrRecordNotFound {
		return domainerr.ErrNothingFound
	}
	return err
}
