package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cyverse-de/configurate"
	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/cyverse-de/dicom-adapter/config"
	"github.com/cyverse-de/dicom-adapter/database"
	"github.com/cyverse-de/dicom-adapter/dimse/scp"
	"github.com/cyverse-de/dicom-adapter/events"
	"github.com/cyverse-de/dicom-adapter/export"
	"github.com/cyverse-de/dicom-adapter/inference"
	"github.com/cyverse-de/dicom-adapter/platform"
	"github.com/cyverse-de/dicom-adapter/processor"
	"github.com/cyverse-de/dicom-adapter/services"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var log = common.Log

func main() {
	var (
		err error
		cfg *viper.Viper
		db  *sqlx.DB

		configPath = flag.String("config", "/etc/dicom-adapter/dicom-adapter.yml", "Path to the config file")
		listenPort = flag.Int("port", 60000, "(optional) The port the REST API listens on")
		logLevel   = flag.String("log-level", "warn", "One of trace, debug, info, warn, error, fatal, or panic.")
	)

	flag.Parse()

	var levelSetting logrus.Level

	switch *logLevel {
	case "trace":
		levelSetting = logrus.TraceLevel
	case "debug":
		levelSetting = logrus.DebugLevel
	case "info":
		levelSetting = logrus.InfoLevel
	case "warn":
		levelSetting = logrus.WarnLevel
	case "error":
		levelSetting = logrus.ErrorLevel
	case "fatal":
		levelSetting = logrus.FatalLevel
	case "panic":
		levelSetting = logrus.PanicLevel
	default:
		log.Fatal("incorrect log level")
	}

	log.Logger.SetLevel(levelSetting)

	log.Infof("Reading config from %s", *configPath)
	if _, err = os.Open(*configPath); err != nil {
		log.Fatal(*configPath)
	}

	cfg, err = configurate.Init(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("Done reading config from %s", *configPath)

	// Make sure the db.uri URL is parseable
	if _, err = url.Parse(cfg.GetString("db.uri")); err != nil {
		log.Fatal(errors.Wrap(err, "Can't parse db.uri in the config file"))
	}

	c, err := config.Load(cfg)
	if err != nil {
		log.Fatal(errors.Wrap(err, "invalid configuration"))
	}

	db = sqlx.MustConnect("postgres", c.DBURI)
	store := database.New(db)

	paths := storage.Paths{Root: c.Storage.Temporary}
	info := storage.NewInfoProvider(c.Storage.Temporary, c.Storage.MinStoreBytes, c.Storage.MinExportBytes)
	cleanup := storage.NewCleanupQueue()
	reclaimer := storage.NewReclaimer(cleanup)

	instances := events.NewInstanceBus()
	aeEvents := events.NewAEChangeBus()

	manager := processor.NewManager(paths, instances, store)
	manager.Watch(aeEvents)

	localAEs, err := store.ListLocalAEs()
	if err != nil {
		log.Fatal(errors.Wrap(err, "listing configured local AEs"))
	}
	for _, ae := range localAEs {
		if err = manager.Register(ae); err != nil {
			// A misconfigured AE stays offline; the rest come up.
			log.WithError(err).Errorf("registering AE %q", ae.AETitle)
		}
	}

	scpServer := scp.New(scp.Settings{
		Port:                         c.SCP.Port,
		MaximumNumberOfAssociations:  c.SCP.MaximumNumberOfAssociations,
		VerificationEnabled:          c.SCP.VerificationEnabled,
		VerificationTransferSyntaxes: c.SCP.VerificationTransferSyntaxes,
		LogDimseDatasets:             c.SCP.LogDimseDatasets,
		RejectUnknownSources:         c.SCP.RejectUnknownSources,
	}, store, manager, info, paths)

	client := platform.NewClient(
		platform.PlatformEndpoint(cfg.GetString("platform.base")),
		platform.ResultsEndpoint(cfg.GetString("platform.results")),
	)

	submission := inference.NewJobSubmissionService(store, client, client, cleanup, c.SCU.Export.MaximumRetries, c.SCU.Export.PollFrequency)
	engine := inference.NewEngine(store, submission, paths, c.SCU.Export.PollFrequency)

	scuExport := export.NewPipeline(c.SCU.AETitle, client, client,
		export.NewSCUExporter(c.SCU.AETitle, store), info, c.SCU.Export, c.SCU.MaximumNumberOfAssociations)
	webExport := export.NewPipeline("DICOMweb", client, client,
		export.NewWebExporter(), info, c.SCU.Export, c.SCU.MaximumNumberOfAssociations)

	supervisor := services.NewSupervisor()
	health := services.NewHealthReporter(supervisor, scpServer)

	app := NewAdapterApp(&AdapterAppInit{
		Store:    store,
		Health:   health,
		Jobs:     client,
		AEEvents: aeEvents,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supervisor.Start(ctx,
		services.Service{Name: "dimse-scp", Run: scpServer.Run},
		services.Service{Name: "retrieval", Run: engine.Run},
		services.Service{Name: "job-submission", Run: submission.Run},
		services.Service{Name: "export-scu", Run: scuExport.Run},
		services.Service{Name: "export-dicomweb", Run: webExport.Run},
		services.Service{Name: "space-reclaimer", Run: reclaimer.Run},
		services.Service{Name: "http", Run: func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				app.router.Shutdown(context.Background()) // nolint:errcheck
			}()
			err := app.router.Start(fmt.Sprintf(":%d", *listenPort))
			if err == http.ErrServerClosed {
				return ctx.Err()
			}
			return err
		}},
	)

	log.Printf("listening on port %d", *listenPort)

	if err = supervisor.Wait(); err != nil {
		manager.Stop()
		log.Fatal(err)
	}
	manager.Stop()
}
