package sensor

import (
	"context"
	"fmt"
	"testing"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/catalog"
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

type noopLookup struct{}

func (noopLookup) PrototypeOf(ctx context.Context, sensorID uint) (uint, bool, error) {
	return 0, false, nil
}

func (noopLookup) RenderedReference(ctx context.Context, sensorID uint) (string, bool, error) {
	return "", false, nil
}

// TestCreateOrReuseResolvesGenericMapWidget exercises a map widget keyed
// by a moment and valued by a string — a pairing resolveWidget used to
// hardcode away from (it only ever built Map(Moment, Seconds)).
func TestCreateOrReuseResolvesGenericMapWidget(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)
	catalogStore := catalog.New(db)
	store := New(db, catalogStore)

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
	proto, err := catalogStore.PutSensorPrototype(ctx, raw)
	is.NoErr(err)

	requestID := proto.ConfigRequests[0].ID

	rawValue := []any{
		map[string]any{
			"key":   map[string]any{"hours": float64(6), "minutes": float64(30), "seconds": float64(0)},
			"value": "water",
		},
	}

	instance, err := store.CreateOrReuse(ctx, proto.ID, nil, []ConfigInput{{ConfigRequestID: requestID, RawValue: rawValue}}, noopLookup{})
	is.NoErr(err)
	is.Equal(len(instance.Configs), 1)

	reused, err := store.CreateOrReuse(ctx, proto.ID, nil, []ConfigInput{{ConfigRequestID: requestID, RawValue: rawValue}}, noopLookup{})
	is.NoErr(err)
	is.Equal(reused.ID, instance.ID)
}
