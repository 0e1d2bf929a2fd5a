// Package sensor creates and deduplicates sensor instances: a prototype
// plus a concrete, validated set of answers to its configuration
// requests. Two requests for the same prototype with the same
// configuration resolve to the same row, so collections that share a
// sensor setup share its compiled definitions too.
package sensor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/catalog"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/valuelang"
	"gorm.io/gorm"
)

type Store struct {
	db      *gorm.DB
	catalog *catalog.Store
}

func New(db *gorm.DB, catalog *catalog.Store) *Store {
	return &Store{db: db, catalog: catalog}
}

// ConfigInput is one answer to a sensor prototype's configuration
// request, as received over the wire before validation.
type ConfigInput struct {
	ConfigRequestID uint
	RawValue        any
}

// CreateOrReuse validates configs against prototypeID's config requests
// and either returns the existing sensor with an identical
// configuration or creates a new one. targetIDs is the set of targets
// the resulting compiler may run the sensor on, used to resolve any
// PinSelection request to the intersection of their pin sets.
func (s *Store) CreateOrReuse(ctx context.Context, prototypeID uint, targetIDs []uint, configs []ConfigInput, lookup valuelang.SensorLookup) (*model.Sensor, error) {
	proto, err := s.catalog.FindSensorPrototype(ctx, prototypeID)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint]bool, len(configs))
	for _, c := range configs {
		if seen[c.ConfigRequestID] {
			return nil, fmt.Errorf("%w: request %d supplied more than once", domainerr.ErrDuplicatedConfig, c.ConfigRequestID)
		}
		seen[c.ConfigRequestID] = true
	}

	requestByID := make(map[uint]model.ConfigRequest, len(proto.ConfigRequests))
	for _, r := range proto.ConfigRequests {
		requestByID[r.ID] = r
	}

	type validated struct {
		requestID uint
		value     valuelang.Val
		compiled  string
	}
	values := make([]validated, 0, len(configs))

	for _, c := range configs {
		req, ok := requestByID[c.ConfigRequestID]
		if !ok {
			return nil, fmt.Errorf("%w: prototype %d has no config request %d", domainerr.ErrNothingFound, prototypeID, c.ConfigRequestID)
		}

		widget, err := s.resolveWidget(ctx, req.ConfigType, targetIDs)
		if err != nil {
			return nil, err
		}

		v, err := valuelang.Validate(ctx, lookup, c.RawValue, widget, 0)
		if err != nil {
			return nil, err
		}

		if err := checkNoDuplicateKeys(v, map[string]bool{}); err != nil {
			return nil, err
		}

		compiled, err := valuelang.Compile(ctx, lookup, v)
		if err != nil {
			return nil, err
		}

		values = append(values, validated{requestID: c.ConfigRequestID, value: v, compiled: compiled})
	}

	sort.Slice(values, func(i, j int) bool { return values[i].requestID < values[j].requestID })

	var canonical strings.Builder
	for _, v := range values {
		fmt.Fprintf(&canonical, "%d-%s,", v.requestID, v.compiled)
	}

	existing, err := s.findByCanonical(ctx, prototypeID, canonical.String())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	instance := &model.Sensor{SensorPrototypeID: prototypeID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(instance).Error; err != nil {
			return err
		}
		for _, v := range values {
			cfg := &model.SensorConfig{SensorID: instance.ID, ConfigRequestID: v.requestID, Value: v.compiled}
			if err := tx.Create(cfg).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating sensor instance: %w", err)
	}

	return s.FindByID(ctx, instance.ID)
}

func (s *Store) resolveWidget(ctx context.Context, ct model.ConfigType, targetIDs []uint) (valuelang.Widget, error) {
	switch ct.Widget {
	case model.WidgetU8:
		return valuelang.U8{}, nil
	case model.WidgetU16:
		return valuelang.U16{}, nil
	case model.WidgetU32:
		return valuelang.U32{}, nil
	case model.WidgetU64:
		return valuelang.U64{}, nil
	case model.WidgetF32:
		return valuelang.F32{}, nil
	case model.WidgetF64:
		return valuelang.F64{}, nil
	case model.WidgetSeconds:
		return valuelang.Seconds{}, nil
	case model.WidgetString:
		return valuelang.String{}, nil
	case model.WidgetMoment:
		return valuelang.MomentWidget{}, nil
	case model.WidgetSelection:
		opts := make([]string, len(ct.SelectionOptions))
		for i, o := range ct.SelectionOptions {
			opts[i] = o.Option
		}
		return valuelang.Selection{Options: opts}, nil
	case model.WidgetPinSelection:
		pins, err := s.catalog.ResolvePinSelection(ctx, targetIDs)
		if err != nil {
			return nil, err
		}
		return valuelang.Selection{Options: pins}, nil
	case model.WidgetSensor:
		if ct.SensorPrototypeID == nil {
			return nil, fmt.Errorf("%w: sensor widget has no referenced prototype", domainerr.ErrInvalidValType)
		}
		return valuelang.Sensor{PrototypeID: *ct.SensorPrototypeID}, nil
	case model.WidgetMap:
		if ct.MapKeyType == nil || ct.MapValueType == nil {
			return nil, fmt.Errorf("%w: map widget has no key/value type", domainerr.ErrInvalidValType)
		}
		key, err := s.resolveWidget(ctx, *ct.MapKeyType, targetIDs)
		if err != nil {
			return nil, err
		}
		value, err := s.resolveWidget(ctx, *ct.MapValueType, targetIDs)
		if err != nil {
			return nil, err
		}
		return valuelang.MapWidget{Key: key, Value: value}, nil
	default:
		return nil, fmt.Errorf("%w: unknown widget kind %q", domainerr.ErrInvalidValType, ct.Widget)
	}
}

// checkNoDuplicateKeys walks a validated Map value depth-first,
// rejecting configurations that repeat a key at the same nesting level
// (e.g. two timed actions both keyed at 10:00:00).
func checkNoDuplicateKeys(v valuelang.Val, _ map[string]bool) error {
	m, ok := v.(valuelang.Map)
	if !ok {
		return nil
	}

	seen := make(map[string]bool, len(m))
	for _, el := range m {
		key := fmt.Sprintf("%#v", el.Key)
		if seen[key] {
			return domainerr.ErrDuplicatedKey
		}
		seen[key] = true

		if err := checkNoDuplicateKeys(el.Key, nil); err != nil {
			return err
		}
		if err := checkNoDuplicateKeys(el.Value, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) findByCanonical(ctx context.Context, prototypeID uint, canonical string) (*model.Sensor, error) {
	var candidates []model.Sensor
	err := s.db.WithContext(ctx).
		Where("sensor_prototype_id = ?", prototypeID).
		Preload("Configs").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		sort.Slice(c.Configs, func(i, j int) bool { return c.Configs[i].ConfigRequestID < c.Configs[j].ConfigRequestID })
		var b strings.Builder
		for _, cfg := range c.Configs {
			fmt.Fprintf(&b, "%d-%s,", cfg.ConfigRequestID, cfg.Value)
		}
		if b.String() == canonical {
			found := c
			return s.FindByID(ctx, found.ID)
		}
	}

	return nil, nil
}

func (s *Store) FindByID(ctx context.Context, id uint) (*model.Sensor, error) {
	var sensor model.Sensor
	err := s.db.WithContext(ctx).
		Preload("SensorPrototype").
		Preload("Configs.ConfigRequest").
		First(&sensor, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domainerr.ErrNothingFound
		}
		return nil, err
	}
	return &sensor, nil
}
