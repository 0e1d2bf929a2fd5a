// Package firmware is the content-addressed store for compiled
// binaries. Keys are (organization, uppercase hex MD5 of the binary),
// so the same firmware produced for two compilations (or uploaded by
// two different devices) within one organization is stored once, while
// two organizations that happen to produce byte-identical binaries
// never share a row.
package firmware

import (
	"context"
	"crypto/md5" //nolint:gosec // content addressing, not a security boundary
	"fmt"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Hash is the firmware store's content-addressing function: uppercase
// hex MD5, matching the OTA header contract devices expect.
func Hash(binary []byte) string {
	sum := md5.Sum(binary) //nolint:gosec
	return fmt.Sprintf("%X", sum)
}

// PutCompiled stores a binary produced by a compilation, reusing the
// existing row if an identical binary was already stored.
func (s *Store) PutCompiled(ctx context.Context, organizationID uint, compilationID uint, binary []byte) (*model.Firmware, error) {
	return s.put(ctx, organizationID, &compilationID, Hash(binary), binary)
}

// PutUnknown records a hash a device reported that matches no firmware
// the server ever produced or has seen before for this organization —
// e.g. factory-flashed firmware observed for the first time in a
// device-status check-in. No binary accompanies a device-status report,
// so unlike PutCompiled the row carries no Binary, mirroring the
// original's Firmware::new_unknown.
func (s *Store) PutUnknown(ctx context.Context, organizationID uint, hash string) (*model.Firmware, error) {
	return s.put(ctx, organizationID, nil, hash, nil)
}

func (s *Store) put(ctx context.Context, organizationID uint, compilationID *uint, hash string, binary []byte) (*model.Firmware, error) {
	fw := &model.Firmware{
		CompilationID:  compilationID,
		Hash:           hash,
		Binary:         binary,
		OrganizationID: organizationID,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization_id"}, {Name: "hash"}},
		DoNothing: true,
	}).Create(fw).Error
	if err != nil {
		return nil, fmt.Errorf("storing firmware: %w", err)
	}

	return s.FindByHash(ctx, organizationID, hash)
}

// FindByHash looks up a firmware row scoped to organizationID: hash
// alone is not a safe lookup key, since two organizations can produce
// byte-identical binaries.
func (s *Store) FindByHash(ctx context.Context, organizationID uint, hash string) (*model.Firmware, error) {
	var fw model.Firmware
	err := s.db.WithContext(ctx).Where("organization_id = ? AND hash = ?", organizationID, hash).First(&fw).Error
	if err != nil {
		return nil, translate(err)
	}
	return &fw, nil
}

func (s *Store) FindByID(ctx context.Context, id uint) (*model.Firmware, error) {
	var fw model.Firmware
	if err := s.db.WithContext(ctx).First(&fw, id).Error; err != nil {
		return nil, translate(err)
	}
	return &fw, nil
}

func translate(err error) error {
	if err == gorm.ErrRecordNotFound {
		return domainerr.ErrNothingFound
	}
	return err
}
