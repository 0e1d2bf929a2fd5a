package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/internet-of-plants/fleetforge/internal/pkg/application"
	"github.com/internet-of-plants/fleetforge/internal/pkg/application/devicestatus"
	"github.com/internet-of-plants/fleetforge/internal/pkg/application/notify"
	"github.com/internet-of-plants/fleetforge/internal/pkg/application/recompile"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/catalog"
	"github.com/internet-of-plants/fleetforge/internal/pkg/infrastructure/router"
	"github.com/internet-of-plants/fleetforge/internal/pkg/infrastructure/storage"
	"github.com/internet-of-plants/fleetforge/internal/pkg/presentation/api"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const serviceName string = "fleetforge"

var packagesDir string
var opaFilePath string
var notificationConfigPath string
var pioBinPath string

func main() {
	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	flag.StringVar(&packagesDir, "packages", "/opt/fleetforge/config/packages", "A directory of target/sensor prototype descriptor files to seed the catalog with")
	flag.StringVar(&opaFilePath, "policies", "/opt/fleetforge/config/authz.rego", "An authorization policy file")
	flag.StringVar(&notificationConfigPath, "notifications", "/opt/fleetforge/config/notifications.yaml", "Configuration file for firmware.compiled notifications")
	flag.StringVar(&pioBinPath, "pio", "pio", "Path to the platformio binary used to build firmware")
	flag.Parse()

	apiPort := fmt.Sprintf(":%s", env.GetVariableOrDefault(logger, "SERVICE_PORT", "8080"))

	db := setupDatabaseOrDie(ctx, logger)
	notifier := notify.New(loadNotifyConfig(logger))

	app := application.New(db, catalog.New(db), pioBinPath, notifier, recompile.DefaultInterval, logger)
	app.Start(ctx)

	messenger := setupMessagingOrDie(serviceName, logger)
	messenger.RegisterTopicMessageHandler(devicestatus.RoutingKey, devicestatus.Handler(app))

	r := setupRouter(logger, app)

	if err := http.ListenAndServe(apiPort, r); err != nil {
		logger.Fatal().Err(err).Msg("failed to start router")
	}
}

func setupDatabaseOrDie(ctx context.Context, logger zerolog.Logger) *gorm.DB {
	var connect storage.ConnectorFunc
	if os.Getenv("FLEET_FORGE_SQLDBHOST") != "" {
		connect = storage.NewPostgreSQLConnector(logger)
	} else {
		logger.Info().Msg("no sql database configured, using builtin sqlite instead")
		connect = storage.NewSQLiteConnector()
	}

	db, err := storage.Open(connect)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	catalogStore := catalog.New(db)
	if err := storage.SeedCatalog(ctx, logger, catalogStore, packagesDir); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed catalog")
	}

	return db
}

func setupMessagingOrDie(serviceName string, logger zerolog.Logger) messaging.MsgContext {
	config := messaging.LoadConfiguration(serviceName, logger)
	messenger, err := messaging.Initialize(config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init messenger")
	}

	return messenger
}

func loadNotifyConfig(logger zerolog.Logger) *notify.Config {
	f, err := os.Open(notificationConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		logger.Fatal().Err(err).Msgf("failed to open configuration file %s", notificationConfigPath)
	}
	defer f.Close()

	cfg, err := notify.LoadConfiguration(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load notifications configuration")
	}
	return cfg
}

func setupRouter(logger zerolog.Logger, app application.FleetManagement) *chi.Mux {
	r := router.New(serviceName)

	policies, err := os.Open(opaFilePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to open opa policy file")
	}
	defer policies.Close()

	jwtSecret := []byte(os.Getenv("FLEETFORGE_JWT_SECRET"))

	return api.RegisterHandlers(logger, r, policies, jwtSecret, app)
}
