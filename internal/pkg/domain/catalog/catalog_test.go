package catalog

import (
	"context"
	"fmt"
	"testing"

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

// TestPutSensorPrototypeWithMapWidgetPersistsNestedKeyAndValueTypes
// covers a config request whose widget is a map parameterized over two
// arbitrary, differently-kinded widgets (moment -> string), not the one
// fixed pairing the catalog used to hardcode.
func TestPutSensorPrototypeWithMapWidgetPersistsNestedKeyAndValueTypes(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := New(openTestDB(t))

	raw := []byte(`{
		"name": "scheduler",
		"variable_name": "scheduler",
		"config_requests": [
			{
				"name": "schedule",
				"type": {
					"widget": "map",
					"map_key": {"widget": "moment"},
					"map_value": {"widget": "string"}
				}
			}
		]
	}`)

	proto, err := store.PutSensorPrototype(ctx, raw)
	is.NoErr(err)
	is.Equal(len(proto.ConfigRequests), 1)

	found, err := store.FindSensorPrototype(ctx, proto.ID)
	is.NoErr(err)

	ct := found.ConfigRequests[0].ConfigType
	is.Equal(ct.Widget, model.WidgetMap)
	is.True(ct.MapKeyType != nil)
	is.True(ct.MapValueType != nil)
	is.Equal(ct.MapKeyType.Widget, model.WidgetMoment)
	is.Equal(ct.MapValueType.Widget, model.WidgetString)
}

// TestPutSensorPrototypeWithNestedMapWidget covers a map-of-maps: the
// map value is itself a map, exercising putConfigType's recursion past
// one level deep.
func TestPutSensorPrototypeWithNestedMapWidget(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := New(openTestDB(t))

	raw := []byte(`{
		"name": "nested-scheduler",
		"variable_name": "nested_scheduler",
		"config_requests": [
			{
				"name": "schedule",
				"type": {
					"widget": "map",
					"map_key": {"widget": "moment"},
					"map_value": {
						"widget": "map",
						"map_key": {"widget": "string"},
						"map_value": {"widget": "u32"}
					}
				}
			}
		]
	}`)

	proto, err := store.PutSensorPrototype(ctx, raw)
	is.NoErr(err)

	found, err := store.FindSensorPrototype(ctx, proto.ID)
	is.NoErr(err)

	outer := found.ConfigRequests[0].ConfigType
	is.Equal(outer.Widget, model.WidgetMap)
	is.Equal(outer.MapValueType.Widget, model.WidgetMap)
}
