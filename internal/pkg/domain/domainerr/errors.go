// Package domainerr collects the sentinel errors returned by the
// fleetforge domain packages. Infrastructure errors (database, process
// execution, network) are wrapped with fmt.Errorf("...: %w", err) and
// surfaced to callers as-is; these sentinels are reserved for domain
// rule violations that the presentation layer maps to HTTP statuses.
package domainerr

import "errors"

var (
	// value language
	ErrInvalidValType                    = errors.New("value does not match the widget it is bound to")
	ErrIntegerOutOfRange                  = errors.New("integer value out of range for widget")
	ErrInvalidMoment                      = errors.New("moment value has an out of range field")
	ErrInvalidSelection                   = errors.New("value is not one of the widget's allowed options")
	ErrInvalidTimezone                    = errors.New("timezone does not parse as a signed byte")
	ErrWrongSensorKind                    = errors.New("referenced sensor does not belong to the expected prototype")
	ErrNoVariableNameForReferencedSensor   = errors.New("referenced sensor's prototype has no variable name")
	ErrMaxDepthExceeded                   = errors.New("value nesting exceeds the maximum allowed depth")

	// naming / identity
	ErrInvalidName      = errors.New("name must not be empty")
	ErrDuplicatedConfig = errors.New("duplicated config request id")
	ErrDuplicatedKey    = errors.New("duplicated key in a map value")

	// compiler / collection reconciliation
	ErrWrongTargetPrototype  = errors.New("device's target prototype does not match the collection's")
	ErrNoCollectionForCompiler = errors.New("compiler has no associated collection")

	// build driver
	ErrMissingBinary  = errors.New("toolchain did not produce a firmware binary")
	ErrCorruptedBinary = errors.New("firmware binary failed integrity verification")

	// ota
	ErrNoBinaryAvailable = errors.New("no firmware binary available for this device")
	ErrNoUpdateAvailable = errors.New("device already runs the latest firmware")

	// access
	ErrUnauthorized = errors.New("request is not authenticated")
	ErrForbidden    = errors.New("request is authenticated but not authorized for this resource")
	ErrNothingFound = errors.New("requested entity does not exist")
)
