// Package ota implements the over-the-air delivery contract: a device
// reports the hash of the firmware it is currently running, and the
// server either says it is already current or hands back the newer
// binary with the headers the bootloader expects.
package ota

import (
	"context"
	"fmt"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/firmware"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Update is a ready-to-serve firmware response.
type Update struct {
	Hash   string
	Binary []byte
}

// Check resolves a device's current firmware through
// device → collection → compiler → latest compilation → firmware, and
// compares it against the hash the device reports having. It returns
// domainerr.ErrNoUpdateAvailable when the device is already current.
func (s *Store) Check(ctx context.Context, deviceID uint, reportedHash string) (*Update, error) {
	var device model.Device
	err := s.db.WithContext(ctx).
		Preload("Collection.Compiler").
		First(&device, deviceID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domainerr.ErrNothingFound
		}
		return nil, err
	}

	if device.Collection.Compiler == nil {
		return nil, domainerr.ErrNoBinaryAvailable
	}

	var compilation model.Compilation
	err = s.db.WithContext(ctx).
		Where("compiler_id = ?", device.Collection.Compiler.ID).
		Order("created_at desc").
		First(&compilation).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domainerr.ErrNoBinaryAvailable
		}
		return nil, err
	}

	var fw model.Firmware
	err = s.db.WithContext(ctx).
		Where("compilation_id = ?", compilation.ID).
		First(&fw).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domainerr.ErrNoBinaryAvailable
		}
		return nil, err
	}

	if reportedHash == fw.Hash {
		return nil, domainerr.ErrNoUpdateAvailable
	}

	if recomputed := firmware.Hash(fw.Binary); recomputed != fw.Hash {
		return nil, domainerr.ErrCorruptedBinary
	}

	return &Update{Hash: fw.Hash, Binary: fw.Binary}, nil
}

// Headers returns the exact HTTP headers the OTA response must carry,
// keyed by header name; the map carries no ordering.
func (u *Update) Headers() map[string]string {
	return map[string]string{
		"Content-Type":        "application/octet-stream",
		"Content-Length":       fmt.Sprintf("%d", len(u.Binary)),
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s.bin"`, u.Hash),
		"x-MD5":               u.Hash,
	}
}
