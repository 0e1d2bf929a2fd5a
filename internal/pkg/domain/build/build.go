// Package build drives the external platformio toolchain against a
// composed set of source files and returns the resulting firmware
// binary. Unlike the original server's compile() — which spawns pio
// and never inspects its exit status, so a failed build silently
// produces a stale or missing binary — this driver treats a non-zero
// exit as MissingBinary.
package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/rs/zerolog"
)

// Driver invokes the configured platformio binary in a scratch
// directory built fresh for every compilation.
type Driver struct {
	PioBin string
}

func New(pioBin string) *Driver {
	if pioBin == "" {
		pioBin = "pio"
	}
	return &Driver{PioBin: pioBin}
}

// Inputs are the three files composer.Compose produced for one
// compilation, plus the platformio environment name to build.
type Inputs struct {
	EnvName       string
	PlatformioIni string
	MainCpp       string
	PinHpp        string
}

// Build writes Inputs into a fresh temporary project directory, runs
// `pio run -e <env> -d <dir>`, and returns the produced firmware.bin.
// The "linux" environment is PlatformIO's native test target and
// produces a plain ELF named "program" instead of "firmware.bin".
func (d *Driver) Build(ctx context.Context, logger zerolog.Logger, in Inputs) ([]byte, error) {
	dir, err := os.MkdirTemp("", "fleetforge-build-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "platformio.ini"), []byte(in.PlatformioIni), 0o644); err != nil {
		return nil, fmt.Errorf("writing platformio.ini: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.cpp"), []byte(in.MainCpp), 0o644); err != nil {
		return nil, fmt.Errorf("writing main.cpp: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "include"), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "include", "pin.hpp"), []byte(in.PinHpp), 0o644); err != nil {
		return nil, fmt.Errorf("writing pin.hpp: %w", err)
	}

	logger.Info().Str("env", in.EnvName).Str("dir", dir).Msg("running pio build")

	cmd := exec.CommandContext(ctx, d.PioBin, "run", "-e", in.EnvName, "-d", dir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if stdout.Len() > 0 {
		logger.Debug().Str("env", in.EnvName).Msg(stdout.String())
	}
	if stderr.Len() > 0 {
		logger.Debug().Str("env", in.EnvName).Msg(stderr.String())
	}
	if runErr != nil {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrMissingBinary, runErr)
	}

	binaryName := "firmware.bin"
	if in.EnvName == "linux" {
		binaryName = "program"
	}

	binaryPath := filepath.Join(dir, ".pio", "build", in.EnvName, binaryName)
	binary, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrMissingBinary, err)
	}
	if len(binary) == 0 {
		return nil, domainerr.ErrCorruptedBinary
	}

	return binary, nil
}
