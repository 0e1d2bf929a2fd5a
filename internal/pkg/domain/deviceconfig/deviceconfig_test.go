package deviceconfig

import (
	"context"
	"fmt"
	"testing"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"github.com/matryer/is"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// openTestDB gives each test its own named in-memory database: a
// shared DSN across tests would have them silently see each other's
// rows, since "cache=shared" keys the in-memory database by name
// rather than by connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening test db: %s", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("migrating test db: %s", err)
	}
	return db
}

func TestCreateOrReuseNormalizesAndDeduplicates(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)

	configType := model.DeviceConfigType{Name: "timezone", Widget: model.DeviceWidgetTimezone}
	is.NoErr(db.Create(&configType).Error)

	request := model.DeviceConfigRequest{
		TargetID:           1,
		DeviceConfigTypeID: configType.ID,
		VariableName:       "timezone",
	}
	is.NoErr(db.Create(&request).Error)

	store := New(db)

	first, err := store.CreateOrReuse(ctx, 1, Input{ConfigRequestID: request.ID, RawValue: "-3"})
	is.NoErr(err)
	is.Equal(first.Value, "-3")

	second, err := store.CreateOrReuse(ctx, 1, Input{ConfigRequestID: request.ID, RawValue: "-3"})
	is.NoErr(err)
	is.Equal(second.ID, first.ID)

	var count int64
	db.Model(&model.DeviceConfig{}).Count(&count)
	is.Equal(count, int64(1))
}

func TestCreateOrReuseRejectsInvalidTimezone(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)

	configType := model.DeviceConfigType{Name: "timezone", Widget: model.DeviceWidgetTimezone}
	is.NoErr(db.Create(&configType).Error)

	request := model.DeviceConfigRequest{TargetID: 1, DeviceConfigTypeID: configType.ID, VariableName: "timezone"}
	is.NoErr(db.Create(&request).Error)

	store := New(db)

	_, err := store.CreateOrReuse(ctx, 1, Input{ConfigRequestID: request.ID, RawValue: "not-a-number"})
	is.True(err != nil)
}

func TestCreateOrReuseUnknownRequestReturnsNothingFound(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)

	store := New(db)

	_, err := store.CreateOrReuse(ctx, 1, Input{ConfigRequestID: 999, RawValue: "anything"})
	is.True(err == domainerr.ErrNothingFound)
}

func TestCreateOrReuseDifferentOrganizationsDoNotShareRows(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)

	configType := model.DeviceConfigType{Name: "ssid", Widget: model.DeviceWidgetSSID}
	is.NoErr(db.Create(&configType).Error)

	request := model.DeviceConfigRequest{TargetID: 1, DeviceConfigTypeID: configType.ID, VariableName: "ssid"}
	is.NoErr(db.Create(&request).Error)

	store := New(db)

	a, err := store.CreateOrReuse(ctx, 1, Input{ConfigRequestID: request.ID, RawValue: "my-network"})
	is.NoErr(err)

	b, err := store.CreateOrReuse(ctx, 2, Input{ConfigRequestID: request.ID, RawValue: "my-network"})
	is.NoErr(err)

	is.True(a.ID != b.ID)
}
