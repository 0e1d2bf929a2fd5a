// Package composer synthesizes the three files a build needs —
// platformio.ini, main.cpp and pin.hpp — from a compiler's attached
// sensors and device configuration. It is the part of fleetforge most
// directly ported from the original server's compiler.rs/target.rs:
// the join/sort/pad rules below are reproduced exactly so that two
// servers fed the same inputs produce byte-identical source.
package composer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/valuelang"
)

// SensorView is one sensor attached to a compiler, already carrying the
// index (its position among same-prototype sensors on this compiler)
// that {{index}} templating substitutes.
type SensorView struct {
	Index                  int
	Prototype              model.SensorPrototype
	Configs                []model.SensorConfig
	Setups                 []string
	AuthenticatedActions   []string
	UnauthenticatedActions []string
}

// DeviceConfigView is one device-level config value attached to a
// compiler, already validated and compiled.
type DeviceConfigView struct {
	Request model.DeviceConfigRequest
	Value   string
}

// Target carries what the composer needs from the target a compiler
// runs on: its pin header, the flags to bake into platformio.ini, and
// its prototype's platform/framework settings.
type Target struct {
	Row       model.Target
	Prototype model.TargetPrototype
}

type Result struct {
	PlatformioIni string
	MainCpp       string
	PinHpp        string
}

// Compose builds a compilation's three source files. Cross-sensor
// references (one sensor's definition referring to another's configured
// value by request name) are resolved from sensors itself, matching the
// referenced sensor by prototype name; lookup is not consulted.
func Compose(ctx context.Context, target Target, sensors []SensorView, deviceConfigs []DeviceConfigView, lookup valuelang.SensorLookup) (Result, error) {
	deviceConfigBlock, err := renderDeviceConfigs(deviceConfigs)
	if err != nil {
		return Result{}, err
	}

	var libDeps []string
	var includes []string
	var definitions []string
	var measurements []string
	var setups []string
	var authActions []string
	var unauthActions []string
	var configs []string

	byName := make(map[string]SensorView, len(sensors))
	for _, sv := range sensors {
		byName[sv.Prototype.Name] = sv
	}

	for _, sv := range sensors {
		for _, dep := range sv.Prototype.Dependencies {
			libDeps = append(libDeps, dep.URL)
		}
		for _, inc := range sv.Prototype.Includes {
			includes = append(includes, fmt.Sprintf("#include <%s>", inc.Name))
		}

		for _, def := range sv.Prototype.Definitions {
			line := substituteIndex(def.Line, sv.Index)

			for _, ref := range def.ReferencedSensors {
				referenced, ok := byName[ref.SensorName]
				if !ok {
					continue
				}
				value, ok, err := lookupReferencedConfig(referenced, ref.RequestName)
				if err != nil {
					return Result{}, err
				}
				if ok {
					line = strings.ReplaceAll(line, "{{"+ref.RequestName+"}}", value)
				}
			}
			definitions = append(definitions, line)
		}

		for _, m := range sv.Prototype.Measurements {
			name := substituteIndex(m.Name, sv.Index)
			value := substituteIndex(m.Value, sv.Index)
			measurements = append(measurements, fmt.Sprintf("doc[\"%s\"] = %s;", name, value))
		}

		var localConfigs strings.Builder
		for _, cfg := range sv.Configs {
			if cfg.ConfigRequest.ConfigType.Name == "" {
				continue
			}
			variableName := substituteIndex(cfg.ConfigRequest.Name, sv.Index)
			localConfigs.WriteString(fmt.Sprintf("static const %s %s = %s;\n", cfg.ConfigRequest.ConfigType.Name, variableName, cfg.Value))
		}
		if localConfigs.Len() > 0 {
			configs = append(configs, localConfigs.String())
		}

		for _, line := range sv.Setups {
			setups = append(setups, substituteIndex(line, sv.Index))
		}
		for _, line := range sv.AuthenticatedActions {
			authActions = append(authActions, substituteIndex(line, sv.Index))
		}
		for _, line := range sv.UnauthenticatedActions {
			unauthActions = append(unauthActions, substituteIndex(line, sv.Index))
		}
	}

	includes = sortedUnique(includes)
	sort.Strings(measurements)
	sort.Strings(configs)
	sort.Strings(setups)
	sort.Strings(authActions)
	sort.Strings(unauthActions)

	setups = prependDeviceConfigSetups(setups, deviceConfigs)

	sort.Strings(definitions)

	mainCpp := renderMainCpp(mainCppInputs{
		Includes:             joinWithTrailingNewline(includes, "\n"),
		DeviceConfigs:        deviceConfigBlock,
		Configs:              padConfigs(configs),
		Definitions:          padJoin(definitions, "\n\n"),
		Measurements:         padJoin(measurements, "\n\n    ", "\n    "),
		Setups:               padJoin(setups, "\n  ", "\n  ", "\n"),
		AuthenticatedActions: padJoin(authActions, "\n  ", "\n  "),
		UnauthenticatedActions: padJoin(unauthActions, "\n  ", "\n  "),
	})

	platformioIni := renderPlatformioIni(target, sortedUnique(libDeps))

	return Result{
		PlatformioIni: platformioIni,
		MainCpp:       mainCpp,
		PinHpp:        target.Row.PinHpp,
	}, nil
}

func lookupReferencedConfig(sv SensorView, requestName string) (string, bool, error) {
	for _, cfg := range sv.Configs {
		if cfg.ConfigRequest.Name == requestName {
			return cfg.Value, true, nil
		}
	}
	return "", false, nil
}

func substituteIndex(template string, index int) string {
	return strings.ReplaceAll(template, "{{index}}", fmt.Sprintf("%d", index))
}

func sortedUnique(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, i := range items {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Strings(out)
	return out
}

func joinWithTrailingNewline(items []string, sep string) string {
	if len(items) == 0 {
		return ""
	}
	return strings.Join(items, sep) + "\n"
}

func padJoin(items []string, sep string, surround ...string) string {
	if len(items) == 0 {
		return ""
	}
	leading, trailing := "", ""
	if len(surround) > 0 {
		leading = surround[0]
	}
	if len(surround) > 1 {
		trailing = surround[1]
	}
	return leading + strings.Join(items, sep) + trailing
}

// padConfigs joins the per-sensor config blocks and removes the final
// trailing newline each block leaves, matching the original's
// chars.next_back() pop before padding with leading blank lines.
func padConfigs(configs []string) string {
	if len(configs) == 0 {
		return ""
	}
	joined := strings.Join(configs, "")
	joined = strings.TrimSuffix(joined, "\n")
	return "\n\n" + joined
}

func prependDeviceConfigSetups(setups []string, deviceConfigs []DeviceConfigView) []string {
	var front []string
	for _, dc := range deviceConfigs {
		switch dc.Request.DeviceConfigType.Widget {
		case model.DeviceWidgetSSID:
			front = append(front, "loop.setAccessPointCredentials(config::SSID, config::PSK);")
		case model.DeviceWidgetTimezone:
			front = append(front, "loop.setTimezone(config::timezone);")
		}
	}
	return append(front, setups...)
}

func renderDeviceConfigs(deviceConfigs []DeviceConfigView) (string, error) {
	var blocks []string
	for _, dc := range deviceConfigs {
		block, err := renderDeviceConfigBlock(dc)
		if err != nil {
			return "", err
		}
		blocks = append(blocks, block)
	}
	if len(blocks) == 0 {
		return "", nil
	}
	return "\n\n" + strings.Join(blocks, "\n\n"), nil
}

func renderDeviceConfigBlock(dc DeviceConfigView) (string, error) {
	switch dc.Request.DeviceConfigType.Widget {
	case model.DeviceWidgetSSID:
		escaped := strings.ReplaceAll(dc.Value, `"`, `\"`)
		return fmt.Sprintf(
			"constexpr static char SSID_ROM_RAW[] IOP_ROM = \"%s\";\nstatic const iop::StaticString SSID = reinterpret_cast<const __FlashStringHelper*>(SSID_ROM_RAW);",
			escaped,
		), nil
	case model.DeviceWidgetPSK:
		escaped := strings.ReplaceAll(dc.Value, `"`, `\"`)
		return fmt.Sprintf(
			"constexpr static char PSK_ROM_RAW[] IOP_ROM = \"%s\";\nstatic const iop::StaticString PSK = reinterpret_cast<const __FlashStringHelper*>(PSK_ROM_RAW);",
			escaped,
		), nil
	case model.DeviceWidgetTimezone:
		_, err := valuelang.ValidateDeviceValue(valuelang.DeviceWidgetTimezone, dc.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("constexpr static int8_t timezone = %s;", dc.Value), nil
	default:
		return "", fmt.Errorf("%w: unknown device widget %q", domainerr.ErrInvalidValType, dc.Request.DeviceConfigType.Widget)
	}
}

type mainCppInputs struct {
	Includes               string
	DeviceConfigs          string
	Configs                string
	Definitions            string
	Measurements           string
	Setups                 string
	AuthenticatedActions   string
	UnauthenticatedActions string
}

const mainCppTemplate = `#include <iop/loop.hpp>
#include <pin.hpp>
%s
namespace config {
constexpr static iop::time::milliseconds measurementsInterval = 30 * 1000;
constexpr static iop::time::milliseconds unauthenticatedActionsInterval = 1000;
constexpr static iop::time::milliseconds authenticatedActionsInterval = 1000;%s%s
}%s
auto prepareJson(iop::EventLoop & loop) noexcept -> iop::Api::Json {
  IOP_TRACE();

  loop.logger().infoln(IOP_STR("Collect Measurements"));
  auto json = loop.api().makeJson(IOP_FUNC, [](JsonDocument &doc) {%s
    (void) doc;
  });
  iop_assert(json, IOP_STR("Unable to generate request payload, OOM or buffer overflow"));
  return json;
}

auto monitor(iop::EventLoop &loop, const iop::AuthToken &token) noexcept -> void {
  loop.registerEvent(token, prepareJson(loop));
}

auto authenticatedAct(iop::EventLoop &loop, const iop::AuthToken &token) noexcept -> void {
  loop.logger().infoln(IOP_STR("Authenticated Act"));%s
  (void) loop;
  (void) token;
}

auto unauthenticatedAct(iop::EventLoop &loop) noexcept -> void {
  loop.logger().infoln(IOP_STR("Unauthenticated Act"));%s
  (void) loop;
}

namespace iop {
auto setup(EventLoop &loop) noexcept -> void {%s
  loop.setInterval(config::unauthenticatedActionsInterval, unauthenticatedAct);
  loop.setAuthenticatedInterval(config::authenticatedActionsInterval, authenticatedAct);
  loop.setAuthenticatedInterval(config::measurementsInterval, monitor);
}
}
`

func renderMainCpp(in mainCppInputs) string {
	return fmt.Sprintf(mainCppTemplate,
		in.Includes,
		in.DeviceConfigs,
		in.Configs,
		in.Definitions,
		in.Measurements,
		in.AuthenticatedActions,
		in.UnauthenticatedActions,
		in.Setups,
	)
}

const platformioIniTemplate = `[env:%s]
build_flags =
    -D ARDUINOJSON_ENABLE_ARDUINO_STRING=0
    -D ARDUINOJSON_ENABLE_ARDUINO_STREAM=0
    -D ARDUINOJSON_ENABLE_ARDUINO_PRINT=0
    -D ARDUINOJSON_ENABLE_PROGMEM=0

    -std=c++17
    -O3
    -Wall
    %s
    -D IOP_LOG_LEVEL=iop::LogLevel::INFO
platform = %s
build_type = debug
%s%s%s%slib_deps =
    %s
    https://github.com/internet-of-plants/iop%s
`

func renderPlatformioIni(target Target, libDeps []string) string {
	envName := target.Prototype.Arch
	if target.Row.Board != "" {
		envName = envName + "-" + target.Row.Board
	}

	buildFlags := target.Prototype.BuildFlags
	if target.Row.BuildFlags != "" {
		buildFlags = strings.TrimRight(buildFlags, "\n") + "\n    " + target.Row.BuildFlags
	}

	framework := lineOrEmpty("framework", target.Prototype.Framework)
	board := lineOrEmpty("board", target.Row.Board)
	ldfMode := lineOrEmpty("lib_ldf_mode", target.Prototype.LdfMode)

	extra := ""
	if target.Prototype.ExtraPlatformioParams != "" {
		extra = target.Prototype.ExtraPlatformioParams + "\n"
	}

	deps := append([]string{
		"https://github.com/bblanchon/ArduinoJson.git#6.x",
		"https://github.com/internet-of-plants/iop-hal#main",
		"https://github.com/internet-of-plants/iop#main",
	}, libDeps...)
	for _, d := range target.Prototype.Dependencies {
		branch := d.Branch
		if branch == "" {
			branch = "main"
		}
		deps = append(deps, fmt.Sprintf("%s#%s", d.URL, branch))
	}
	deps = sortedUnique(deps)

	platformPackages := ""
	if target.Prototype.PlatformPackages != "" {
		platformPackages = "\nplatform_packages = " + target.Prototype.PlatformPackages
	}

	return fmt.Sprintf(platformioIniTemplate,
		envName,
		buildFlags,
		target.Prototype.Platform,
		framework,
		board,
		ldfMode,
		extra,
		strings.Join(deps, "\n    "),
		platformPackages,
	)
}

func lineOrEmpty(key, value string) string {
	if value == "" {
		return ""
	}
	return fmt.Sprintf("%s = %s\n", key, value)
}
