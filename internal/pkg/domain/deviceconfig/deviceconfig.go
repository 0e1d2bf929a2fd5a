// Package deviceconfig creates or reuses DeviceConfig rows: a
// device-level value (SSID, PSK, timezone) validated against its
// request's widget and deduplicated by (request, value, organization),
// the same identity-by-content rule the sensor package applies to
// sensor configs.
package deviceconfig

import (
	"context"
	"fmt"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/valuelang"
	"gorm.io/gorm"
)

// resolveWidget maps the model's persisted widget kind to the
// valuelang widget it validates against, the same translation
// sensor.go's resolveWidget does for sensor configs.
func resolveWidget(kind model.DeviceWidgetKind) (valuelang.DeviceWidget, error) {
	switch kind {
	case model.DeviceWidgetSSID:
		return valuelang.DeviceWidgetSSID, nil
	case model.DeviceWidgetPSK:
		return valuelang.DeviceWidgetPSK, nil
	case model.DeviceWidgetTimezone:
		return valuelang.DeviceWidgetTimezone, nil
	default:
		return 0, fmt.Errorf("%w: unknown device widget kind %q", domainerr.ErrInvalidValType, kind)
	}
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Input is one raw device config value a /v1/compiler request submits,
// identified by the target-owned request it answers.
type Input struct {
	ConfigRequestID uint
	RawValue        string
}

// CreateOrReuse validates raw against requestID's widget and returns
// the (possibly pre-existing) DeviceConfig row for it.
func (s *Store) CreateOrReuse(ctx context.Context, organizationID uint, in Input) (*model.DeviceConfig, error) {
	var request model.DeviceConfigRequest
	if err := s.db.WithContext(ctx).Preload("DeviceConfigType").First(&request, in.ConfigRequestID).Error; err != nil {
		return nil, translate(err)
	}

	widget, err := resolveWidget(request.DeviceConfigType.Widget)
	if err != nil {
		return nil, err
	}

	normalized, err := valuelang.ValidateDeviceValue(widget, in.RawValue)
	if err != nil {
		return nil, err
	}

	var existing model.DeviceConfig
	err = s.db.WithContext(ctx).
		Where("device_config_request_id = ? AND value = ? AND organization_id = ?", in.ConfigRequestID, normalized, organizationID).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	row := &model.DeviceConfig{
		DeviceConfigRequestID: in.ConfigRequestID,
		Value:                 normalized,
		OrganizationID:        organizationID,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("creating device config: %w", err)
	}

	return row, nil
}

func translate(err error) error {
	if err == gorm.ErrRecordNotFound {
		return domainerr.ErrNothingFound
	}
	return err
}
