// Package recompile runs the background pass that keeps compiled
// firmware in sync with slow-moving inputs a compiler's identity does
// not cover, chiefly target prototype certificate refreshes: a
// compiler's sensors and device configs did not change, so FindOrCreate
// will never be called for it again, but the CA bundle it should ship
// with did.
package recompile

import (
	"context"
	"time"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/catalog"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/compiler"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often the background pass walks every
// compiler looking for stale certificates.
const DefaultInterval = 7200 * time.Second

// Scheduler periodically recompiles compilers whose certificate has
// fallen behind their target prototype's latest one.
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
}

type scheduler struct {
	store    *compiler.Store
	catalog  *catalog.Store
	log      zerolog.Logger
	interval time.Duration
	done     chan struct{}
}

func New(store *compiler.Store, catalogStore *catalog.Store, log zerolog.Logger, interval time.Duration) Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &scheduler{store: store, catalog: catalogStore, log: log, interval: interval, done: make(chan struct{})}
}

func (s *scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *scheduler) Stop() {
	close(s.done)
}

func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

// pass refreshes every target prototype's certificate bundle, then
// recompiles every stale compiler it finds. A compiler id that panics
// mid-build (a misbehaving toolchain, a corrupt row) is caught and
// logged so it cannot take the rest of the pass down with it.
func (s *scheduler) pass(ctx context.Context) {
	s.refreshCertificates(ctx)

	ids, err := s.store.StaleCompilerIDs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("could not list stale compilers")
		return
	}

	s.log.Debug().Int("count", len(ids)).Msg("recompile pass starting")

	for _, id := range ids {
		s.recompileOne(ctx, id)
	}
}

// refreshCertificates fetches every target prototype's CertsURL bundle
// and appends a new certificate row when its content changed, so
// StaleCompilerIDs below has something to actually find. A single
// prototype's fetch failing (host down, bad URL) is logged and does not
// stop the rest of the prototypes from refreshing.
func (s *scheduler) refreshCertificates(ctx context.Context) {
	urls, err := s.catalog.TargetPrototypeCertsURLs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("could not list target prototype cert urls")
		return
	}

	for targetPrototypeID, certsURL := range urls {
		if err := s.catalog.RefreshCertificateFromURL(ctx, targetPrototypeID, certsURL); err != nil {
			s.log.Error().Err(err).Uint("target_prototype_id", targetPrototypeID).Msg("certificate refresh failed")
		}
	}
}

func (s *scheduler) recompileOne(ctx context.Context, compilerID uint) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Uint("compiler_id", compilerID).Msg("recompile panicked, skipping")
		}
	}()

	if _, err := s.store.Recompile(ctx, compilerID); err != nil {
		s.log.Error().Err(err).Uint("compiler_id", compilerID).Msg("recompile failed")
	}
}
