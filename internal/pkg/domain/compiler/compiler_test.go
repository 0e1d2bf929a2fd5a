package compiler

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

func makeTargetPrototype(t *testing.T, db *gorm.DB) model.TargetPrototype {
	t.Helper()
	proto := model.TargetPrototype{Arch: "esp8266"}
	if err := db.Create(&proto).Error; err != nil {
		t.Fatalf("creating target prototype: %s", err)
	}
	return proto
}

func makeCompiler(t *testing.T, db *gorm.DB, targetID, orgID uint) model.Compiler {
	t.Helper()
	c := model.Compiler{TargetID: targetID, OrganizationID: orgID}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("creating compiler: %s", err)
	}
	return c
}

func makeCollection(t *testing.T, db *gorm.DB, orgID, prototypeID uint, compilerID *uint) model.Collection {
	t.Helper()
	c := model.Collection{OrganizationID: orgID, TargetPrototypeID: prototypeID, CompilerID: compilerID}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("creating collection: %s", err)
	}
	return c
}

func makeDevice(t *testing.T, db *gorm.DB, mac string, collectionID uint) model.Device {
	t.Helper()
	d := model.Device{Mac: mac, CollectionID: collectionID}
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("creating device: %s", err)
	}
	return d
}

// TestReconcileCollectionFindsOwnerByReverseLookup reproduces the
// scenario the buggy version mishandled: compilerID already owns
// collectionA (via collectionA.CompilerID), and a second device already
// sits in a different collectionB. Reconciling with collectionB's id
// must still discover collectionA through the reverse compiler_id
// lookup and move the device there, rather than trusting the
// caller-supplied collectionB id at face value.
func TestReconcileCollectionFindsOwnerByReverseLookup(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)
	store := &Store{db: db}

	proto := makeTargetPrototype(t, db)
	target := model.Target{TargetPrototypeID: proto.ID}
	is.NoErr(db.Create(&target).Error)

	compilerRow := makeCompiler(t, db, target.ID, 1)

	collectionA := makeCollection(t, db, 1, proto.ID, &compilerRow.ID)
	deviceA := makeDevice(t, db, "AA:AA:AA:AA:AA:AA", collectionA.ID)

	collectionB := makeCollection(t, db, 1, proto.ID, nil)
	deviceB := makeDevice(t, db, "BB:BB:BB:BB:BB:BB", collectionB.ID)

	err := store.reconcileCollection(ctx, compilerRow.ID, collectionB.ID, &deviceB.ID)
	is.NoErr(err)

	var movedDevice model.Device
	is.NoErr(db.First(&movedDevice, deviceB.ID).Error)
	is.Equal(movedDevice.CollectionID, collectionA.ID)

	var untouchedCollection model.Collection
	is.NoErr(db.First(&untouchedCollection, collectionB.ID).Error)
	is.True(untouchedCollection.CompilerID == nil)

	var untouchedDevice model.Device
	is.NoErr(db.First(&untouchedDevice, deviceA.ID).Error)
	is.Equal(untouchedDevice.CollectionID, collectionA.ID)
}

// TestReconcileCollectionRejectsMismatchedTargetPrototype ensures a
// compiler that already owns a collection refuses to pull in a device
// whose own collection targets a different prototype.
func TestReconcileCollectionRejectsMismatchedTargetPrototype(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)
	store := &Store{db: db}

	protoA := makeTargetPrototype(t, db)
	protoB := makeTargetPrototype(t, db)
	target := model.Target{TargetPrototypeID: protoA.ID}
	is.NoErr(db.Create(&target).Error)

	compilerRow := makeCompiler(t, db, target.ID, 1)
	collectionA := makeCollection(t, db, 1, protoA.ID, &compilerRow.ID)

	mismatchedCollection := makeCollection(t, db, 1, protoB.ID, nil)
	mismatchedDevice := makeDevice(t, db, "CC:CC:CC:CC:CC:CC", mismatchedCollection.ID)

	err := store.reconcileCollection(ctx, compilerRow.ID, mismatchedCollection.ID, &mismatchedDevice.ID)
	is.True(err == domainerr.ErrWrongTargetPrototype)

	var untouched model.Device
	is.NoErr(db.First(&untouched, mismatchedDevice.ID).Error)
	is.Equal(untouched.CollectionID, mismatchedCollection.ID)
	_ = collectionA
}

// TestReconcileCollectionBindsUnboundCompilerDirectly covers the
// unbound-compiler, device-named branch when the supplied collection
// has at most one device: the compiler binds to that collection
// directly instead of spinning off a new one.
func TestReconcileCollectionBindsUnboundCompilerDirectly(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)
	store := &Store{db: db}

	proto := makeTargetPrototype(t, db)
	target := model.Target{TargetPrototypeID: proto.ID}
	is.NoErr(db.Create(&target).Error)

	compilerRow := makeCompiler(t, db, target.ID, 1)
	collection := makeCollection(t, db, 1, proto.ID, nil)
	device := makeDevice(t, db, "DD:DD:DD:DD:DD:DD", collection.ID)

	err := store.reconcileCollection(ctx, compilerRow.ID, collection.ID, &device.ID)
	is.NoErr(err)

	var bound model.Collection
	is.NoErr(db.First(&bound, collection.ID).Error)
	is.True(bound.CompilerID != nil)
	is.Equal(*bound.CompilerID, compilerRow.ID)
}

// TestReconcileCollectionSpinsOffNewCollectionWhenSharedCollectionHasOtherDevices
// covers the unbound-compiler, device-named branch when the supplied
// collection already has more than one device: binding must not drag
// every device in that collection onto the new compiler, so a new
// single-device collection is created instead.
func TestReconcileCollectionSpinsOffNewCollectionWhenSharedCollectionHasOtherDevices(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db := openTestDB(t)
	store := &Store{db: db}

	proto := makeTargetPrototype(t, db)
	target := model.Target{TargetPrototypeID: proto.ID}
	is.NoErr(db.Create(&target).Error)

	compilerRow := makeCompiler(t, db, target.ID, 1)
	sharedCollection := makeCollection(t, db, 1, proto.ID, nil)
	deviceOne := makeDevice(t, db, "EE:EE:EE:EE:EE:EE", sharedCollection.ID)
	deviceTwo := makeDevice(t, db, "FF:FF:FF:FF:FF:FF", sharedCollection.ID)

	err := store.reconcileCollection(ctx, compilerRow.ID, sharedCollection.ID, &deviceTwo.ID)
	is.NoErr(err)

	var movedDevice model.Device
	is.NoErr(db.First(&movedDevice, deviceTwo.ID).Error)
	is.True(movedDevice.CollectionID != sharedCollection.ID)

	var newCollection model.Collection
	is.NoErr(db.First(&newCollection, movedDevice.CollectionID).Error)
	is.True(newCollection.CompilerID != nil)
	is.Equal(*newCollection.CompilerID, compilerRow.ID)

	var unmovedDevice model.Device
	is.NoErr(db.First(&unmovedDevice, deviceOne.ID).Error)
	is.Equal(unmovedDevice.CollectionID, sharedCollection.ID)
}
