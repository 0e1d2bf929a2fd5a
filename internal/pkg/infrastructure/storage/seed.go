package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/catalog"
	"github.com/rs/zerolog"
)

// SeedCatalog loads the on-disk package layout into the catalog:
// packages/target_prototypes/<pkg>/*.json for prototype descriptors,
// packages/target_prototypes/<pkg>/targets/*.json for the targets built
// from them, and packages/sensor_prototypes/*.json for sensor
// prototypes. A package's target prototype is loaded (and so assigned
// its database id) before the targets under its targets/ subdirectory,
// so those never need to hardcode an id. A *.json file that is a
// symlink is rejected, and a symlinked package directory is skipped as
// not being a directory; the target_prototypes/, targets/ and
// sensor_prototypes/ directories themselves are read through a symlink
// if they are one. A single malformed JSON file logs an error and is
// skipped rather than aborting the whole seed pass.
func SeedCatalog(ctx context.Context, log zerolog.Logger, store *catalog.Store, dir string) error {
	if err := seedTargetPrototypes(ctx, log, store, filepath.Join(dir, "target_prototypes")); err != nil {
		return err
	}

	return seedJSONFiles(log, filepath.Join(dir, "sensor_prototypes"), func(_ string, raw []byte) error {
		_, err := store.PutSensorPrototype(ctx, raw)
		return err
	})
}

func seedTargetPrototypes(ctx context.Context, log zerolog.Logger, store *catalog.Store, dir string) error {
	pkgs, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading target prototype packages: %w", err)
	}

	for _, pkg := range pkgs {
		if !pkg.IsDir() {
			continue
		}
		pkgDir := filepath.Join(dir, pkg.Name())

		var prototypeID uint
		err := seedJSONFiles(log, pkgDir, func(_ string, raw []byte) error {
			proto, err := store.PutTargetPrototype(ctx, raw)
			if err != nil {
				return err
			}
			prototypeID = proto.ID
			return nil
		})
		if err != nil {
			return err
		}
		if prototypeID == 0 {
			log.Warn().Str("package", pkg.Name()).Msg("target prototype package has no prototype descriptor, skipping its targets")
			continue
		}

		err = seedJSONFiles(log, filepath.Join(pkgDir, "targets"), func(_ string, raw []byte) error {
			raw, err := withTargetPrototypeID(raw, prototypeID)
			if err != nil {
				return err
			}
			_, err = store.PutTarget(ctx, raw)
			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// withTargetPrototypeID stamps target_prototype_id onto a target
// descriptor with the id its package's prototype file was actually
// assigned, so target fixtures never have to hardcode a database id.
func withTargetPrototypeID(raw []byte, prototypeID uint) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding target descriptor: %w", err)
	}
	fields["target_prototype_id"] = prototypeID
	return json.Marshal(fields)
}

// seedJSONFiles walks every *.json entry directly under dir in lexical
// order (the order os.ReadDir already returns), rejecting symlinks and
// logging-and-skipping any file that fails to read, decode or apply,
// rather than aborting the whole pass.
func seedJSONFiles(log zerolog.Logger, dir string, apply func(name string, raw []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}

		path := filepath.Join(dir, e.Name())

		info, err := os.Lstat(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("could not stat catalog seed file, skipping")
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			log.Error().Str("file", path).Msg("catalog seed file is a symlink, rejecting")
			continue
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("could not read catalog seed file, skipping")
			continue
		}

		if err := apply(e.Name(), raw); err != nil {
			log.Error().Err(err).Str("file", path).Msg("could not seed catalog descriptor, skipping")
			continue
		}

		log.Info().Str("file", path).Msg("seeded catalog descriptor")
	}

	return nil
}
