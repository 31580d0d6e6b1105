package ingest

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// WebConfig configures the reporting web service
type WebConfig struct {
	Port           int
	AllowedOrigins []string
}

// StartServices brings up the web service and, when runScheduler is set, the ingestion loop. Returns once
// both are shut down after a shutdown signal.
func StartServices(log zerolog.Logger,
	scheduler *Scheduler,
	store ReportStore,
	web WebConfig,
	runScheduler bool,
	shutdownSignal chan os.Signal) {

	wg := sync.WaitGroup{}

	webServiceShutdown := make(chan bool, 1)
	srv := createServer(makeRouter(log, scheduler, store, web.AllowedOrigins), web.Port)
	wg.Add(1)
	go runWebService(log, &wg, srv, webServiceShutdown)

	if runScheduler {
		scheduler.Start(context.Background())
	} else {
		log.Info().Msg("scheduled ingestion disabled, cycles only run on demand")
	}

	<-shutdownSignal
	log.Info().Msg("exiting on shutdown signal, shutting down subroutines")
	scheduler.Stop()
	webServiceShutdown <- true
	wg.Wait()
	log.Info().Msg("subroutines shut down, exiting ingestion service")
}
