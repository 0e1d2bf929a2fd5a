package firmware

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

func TestPutCompiledReusesIdenticalBinaryWithinOrganization(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := New(openTestDB(t))

	binary := []byte("firmware-bytes")

	first, err := store.PutCompiled(ctx, 1, 10, binary)
	is.NoErr(err)

	second, err := store.PutCompiled(ctx, 1, 20, binary)
	is.NoErr(err)

	is.Equal(first.ID, second.ID)
}

func TestFindByHashDoesNotLeakAcrossOrganizations(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := New(openTestDB(t))

	binary := []byte("shared-byte-identical-firmware")

	orgA, err := store.PutCompiled(ctx, 1, 10, binary)
	is.NoErr(err)

	orgB, err := store.PutCompiled(ctx, 2, 20, binary)
	is.NoErr(err)

	is.True(orgA.ID != orgB.ID)

	foundA, err := store.FindByHash(ctx, 1, Hash(binary))
	is.NoErr(err)
	is.Equal(foundA.ID, orgA.ID)

	foundB, err := store.FindByHash(ctx, 2, Hash(binary))
	is.NoErr(err)
	is.Equal(foundB.ID, orgB.ID)

	_, err = store.FindByHash(ctx, 3, Hash(binary))
	is.True(err == domainerr.ErrNothingFound)
}

func TestPutUnknownRecordsHashWithoutBinary(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := New(openTestDB(t))

	fw, err := store.PutUnknown(ctx, 1, "DEADBEEF")
	is.NoErr(err)
	is.Equal(fw.Hash, "DEADBEEF")
	is.True(fw.Binary == nil)
	is.True(fw.CompilationID == nil)

	again, err := store.PutUnknown(ctx, 1, "DEADBEEF")
	is.NoErr(err)
	is.Equal(again.ID, fw.ID)
}
