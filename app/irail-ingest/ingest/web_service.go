package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Ltcbe/07N/business/data/journey"
	"github.com/Ltcbe/07N/business/irail"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// ingestService is what the web service needs from the Scheduler
type ingestService interface {
	RunOnce(ctx context.Context) (CycleResult, error)
	Stations(ctx context.Context) ([]string, error)
	StationCatalog(ctx context.Context) ([]irail.Station, error)
}

// reportHandler serves the on demand fetch and the read only reports
type reportHandler struct {
	log      zerolog.Logger
	ingest   ingestService
	store    ReportStore
	location *time.Location
}

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type fetchResponse struct {
	Processed int `json:"processed"`
}

type stationsResponse struct {
	Stations []string `json:"stations"`
}

type networkStationsResponse struct {
	Stations []irail.Station `json:"stations"`
}

func (h *reportHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
	h.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// fetch runs one cycle, answering 502 when iRail could not be reached at all
func (h *reportHandler) fetch(w http.ResponseWriter, r *http.Request) {
	result, err := h.ingest.RunOnce(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, irail.ErrUpstreamUnavailable) {
			status = http.StatusBadGateway
		}
		h.log.Error().Err(err).Str("cycle_id", result.ID).Msg("on demand fetch failed")
		h.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, fetchResponse{Processed: result.Processed})
}

func (h *reportHandler) stations(w http.ResponseWriter, r *http.Request) {
	stations, err := h.ingest.Stations(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list stations")
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unable to list stations"})
		return
	}
	h.writeJSON(w, http.StatusOK, stationsResponse{Stations: stations})
}

func (h *reportHandler) networkStations(w http.ResponseWriter, r *http.Request) {
	stations, err := h.ingest.StationCatalog(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load station catalog")
		h.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "station catalog unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, networkStationsResponse{Stations: stations})
}

func (h *reportHandler) dashboard(w http.ResponseWriter, r *http.Request) {
	filter := journey.DashboardFilter{
		Day:              strings.TrimSpace(r.FormValue("day")),
		DepartureStation: strings.TrimSpace(r.FormValue("departure_station")),
		ArrivalStation:   strings.TrimSpace(r.FormValue("arrival_station")),
	}
	if filter.Day != "" {
		if _, err := time.ParseInLocation(journey.TripDateLayout, filter.Day, h.location); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "day must be formatted YYYY-MM-DD"})
			return
		}
	}
	report, err := h.store.Dashboard(r.Context(), filter, h.location)
	if err != nil {
		h.log.Error().Err(err).Interface("filter", filter).Msg("failed to build dashboard")
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unable to build dashboard"})
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *reportHandler) journeyDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := h.store.Get(r.Context(), id)
	if errors.Is(err, journey.ErrNotFound) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "journey not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("journey_id", id).Msg("failed to load journey")
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unable to load journey"})
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// writeJSON marshals v and writes it with status
func (h *reportHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("error marshaling response to json")
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err = w.Write(jsonData); err != nil {
		h.log.Error().Err(err).Msg("error writing json response")
	}
}

// makeRouter routes the reporting endpoints, allowing cross origin requests from allowedOrigins
func makeRouter(log zerolog.Logger, ingest ingestService, store ReportStore, allowedOrigins []string) http.Handler {
	h := &reportHandler{
		log:      log,
		ingest:   ingest,
		store:    store,
		location: irail.Location,
	}

	r := mux.NewRouter()
	r.HandleFunc("/", h.health).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/api/fetch", h.fetch).Methods(http.MethodPost)
	r.HandleFunc("/api/stations", h.stations).Methods(http.MethodGet)
	r.HandleFunc("/api/network/stations", h.networkStations).Methods(http.MethodGet)
	r.HandleFunc("/api/dashboard", h.dashboard).Methods(http.MethodGet)
	r.HandleFunc("/api/journeys/{id}", h.journeyDetail).Methods(http.MethodGet)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	})(r)
}

//createServer creates configured http.Server for the reporting endpoints
func createServer(handler http.Handler, httpPort int) *http.Server {
	return &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		// An on demand fetch runs a whole cycle, WriteTimeout leaves room for it.
		WriteTimeout: time.Minute * 5,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      handler,
	}
}

//runWebService starts up the web service, and terminates on shutdown signal
func runWebService(log zerolog.Logger,
	wg *sync.WaitGroup,
	srv *http.Server,
	shutdownSignal chan bool) {
	defer wg.Done()
	log.Info().Str("addr", srv.Addr).Msg("starting web service")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("web service ListenAndServe ended")
		}
	}()

	<-shutdownSignal
	log.Info().Msg("ending web service on shutdown signal")
	shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), time.Duration(5)*time.Second)
	defer serverCancelFunc()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down web service")
	}
}
