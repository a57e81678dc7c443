// Package web serves the dashboard's JSON query API.
//
// Modules called by this server should provide self-describing errors
// since these are sent directly to an internal server error func:
//
//	web.serverError(w, r, err)
//
// Each endpoint handler is set out as a HandlerFunc closure so the router
// can provide arguments to the handler, as discussed in Mat Ryer's post
// at
//
//	https://grafana.com/blog/how-i-write-http-services-in-go-after-13-years/
//
// Helper functions, such as `serverError` and `clientError`, are at the
// end of the file.
package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"salesdash/config"
	"salesdash/db"
	"salesdash/query"
	syncer "salesdash/sync"
)

// shutdownGrace is how long in-flight requests get on shutdown.
const shutdownGrace = 10 * time.Second

// WebApp is the configuration object for the web server.
type WebApp struct {
	log          *slog.Logger
	cfg          *config.Config
	db           *db.DB
	query        *query.Service
	orchestrator *syncer.Orchestrator
	sessions     *scs.SessionManager
	server       *http.Server
}

// New initialises a WebApp.
func New(
	logger *slog.Logger,
	cfg *config.Config,
	database *db.DB,
	queries *query.Service,
	orchestrator *syncer.Orchestrator,
) (*WebApp, error) {

	if cfg.Web.ListenAddress == "" {
		return nil, fmt.Errorf("no web listen address configured")
	}

	server := &http.Server{
		Addr:              cfg.Web.ListenAddress,
		ReadHeaderTimeout: time.Duration(30 * time.Second),
		WriteTimeout:      time.Duration(30 * time.Second),
		MaxHeaderBytes:    1 << 19, // 100k ish
	}

	sessions := scs.New()
	sessions.Lifetime = 12 * time.Hour
	sessions.Cookie.HttpOnly = true
	sessions.Cookie.Secure = !cfg.Web.DevelopmentMode

	webApp := &WebApp{
		log:          logger.With("component", "web"),
		cfg:          cfg,
		db:           database,
		query:        queries,
		orchestrator: orchestrator,
		sessions:     sessions,
		server:       server,
	}
	return webApp, nil
}

// Serve runs the server until ctx is cancelled, then shuts down
// gracefully, giving in-flight requests shutdownGrace to complete.
func (web *WebApp) Serve(ctx context.Context) error {

	web.server.Handler = web.routes()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		web.log.Info("starting server", "address", web.cfg.Web.ListenAddress)
		if err := web.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return web.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// routes connects all of the endpoints and provides middleware.
func (web *WebApp) routes() http.Handler {

	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()

	api.Handle("/invoices", web.handleInvoices()).Methods("GET")
	api.Handle("/salespersons", web.handleSalespersons()).Methods("GET")
	api.Handle("/stats", web.handleStats()).Methods("GET")

	api.Handle("/sync/status", web.handleSyncStatus()).Methods("GET")
	api.Handle("/sync/history", web.handleSyncHistory()).Methods("GET")
	api.Handle("/sync/trigger", web.handleSyncTrigger()).Methods("POST")
	api.Handle("/sync/stop", web.handleSyncStop()).Methods("POST")

	handler := enforceCSRF(web.log, r)
	handler = web.sessions.LoadAndSave(handler)
	return handlers.LoggingHandler(os.Stdout, handler)
}

// handleInvoices serves the /api/invoices listing.
func (web *WebApp) handleInvoices() http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		form := NewInvoiceListForm(web.cfg.Upstream.PageSize)
		if err := DecodeURLParams(r, form); err != nil {
			web.clientError(w, err.Error(), http.StatusBadRequest)
			return
		}

		validator := NewValidator()
		form.Validate(validator)
		if !validator.Valid() {
			web.validationError(w, validator)
			return
		}

		page, err := web.query.InvoicesPage(ctx, form.Page, form.PageSize, form.SortBy)
		if err != nil {
			web.serverError(w, r, err)
			return
		}

		// Pagination URLs are only meaningful for bounded pages.
		var pagination *Pagination
		if form.PageSize != query.AllRecords {
			pagination, err = NewPagination(page.PageSize, page.TotalRecords, page.Page, r.URL.Query())
			if err != nil {
				var pageErr ErrInvalidPageNo
				if errors.As(err, &pageErr) {
					web.clientError(w, err.Error(), http.StatusBadRequest)
					return
				}
				web.serverError(w, r, err)
				return
			}
		}

		web.writeJSON(w, http.StatusOK, struct {
			*query.InvoicePage
			Pagination *Pagination `json:"pagination,omitempty"`
		}{page, pagination})
	})
}

// handleSalespersons serves the /api/salespersons performance listing.
func (web *WebApp) handleSalespersons() http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		form := NewPerformanceForm()
		if err := DecodeURLParams(r, form); err != nil {
			web.clientError(w, err.Error(), http.StatusBadRequest)
			return
		}

		validator := NewValidator()
		form.Validate(validator)
		if !validator.Valid() {
			web.validationError(w, validator)
			return
		}

		performances, err := web.query.SalespersonPerformance(
			ctx, form.Period, form.Year, form.Month, form.Quarter)
		if err != nil {
			web.serverError(w, r, err)
			return
		}

		web.writeJSON(w, http.StatusOK, struct {
			Salespersons []query.Performance `json:"salespersons"`
		}{performances})
	})
}

// handleStats serves the /api/stats store summary.
func (web *WebApp) handleStats() http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		stats, err := web.query.Stats(r.Context())
		if err != nil {
			web.serverError(w, r, err)
			return
		}
		web.writeJSON(w, http.StatusOK, stats)
	})
}

// syncStatusResponse is the body of /api/sync/status.
type syncStatusResponse struct {
	Running bool        `json:"running"`
	Latest  *db.SyncLog `json:"latest,omitempty"`
}

// handleSyncStatus serves the /api/sync/status endpoint: the latest run
// entry, if any, plus whether a run is active in this process.
func (web *WebApp) handleSyncStatus() http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		latest, err := web.db.SyncLogLatest(r.Context())
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			web.serverError(w, r, err)
			return
		}

		_, running := web.orchestrator.Running()
		web.writeJSON(w, http.StatusOK, syncStatusResponse{
			Running: running,
			Latest:  latest,
		})
	})
}

// handleSyncHistory serves the /api/sync/history run listing.
func (web *WebApp) handleSyncHistory() http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		form := &HistoryForm{}
		if err := DecodeURLParams(r, form); err != nil {
			web.clientError(w, err.Error(), http.StatusBadRequest)
			return
		}
		validator := NewValidator()
		form.Validate(validator)
		if !validator.Valid() {
			web.validationError(w, validator)
			return
		}

		history, err := web.db.SyncLogHistory(r.Context(), form.Limit)
		if err != nil {
			web.serverError(w, r, err)
			return
		}
		if history == nil {
			history = []db.SyncLog{}
		}
		web.writeJSON(w, http.StatusOK, struct {
			History []db.SyncLog `json:"history"`
		}{history})
	})
}

// handleSyncTrigger serves POST /api/sync/trigger. The lease is acquired
// synchronously so a concurrent trigger is answered with 409; the run
// itself continues in the background.
func (web *WebApp) handleSyncTrigger() http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		// Record the triggering session for run attribution.
		web.sessions.Put(r.Context(), "lastSyncTrigger", time.Now().UTC().Format(time.RFC3339))
		notes := fmt.Sprintf("triggered via web session %s", web.sessions.Token(r.Context()))

		runID, err := web.orchestrator.Start(r.Context(), notes)
		if errors.Is(err, db.ErrRunActive) {
			web.clientError(w, "a sync run is already active", http.StatusConflict)
			return
		}
		if err != nil {
			web.serverError(w, r, err)
			return
		}

		web.writeJSON(w, http.StatusAccepted, struct {
			RunID  int64  `json:"runId"`
			Status string `json:"status"`
		}{runID, db.SyncStatusRunning})
	})
}

// handleSyncStop serves POST /api/sync/stop, requesting cooperative
// cancellation of the active run.
func (web *WebApp) handleSyncStop() http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		stopped := web.orchestrator.Stop()
		if !stopped {
			web.clientError(w, "no sync run is active", http.StatusConflict)
			return
		}
		web.writeJSON(w, http.StatusOK, struct {
			Stopping bool `json:"stopping"`
		}{true})
	})
}

// writeJSON marshals data into the response with the given status.
func (web *WebApp) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		web.log.Error("response encoding error", "error", err)
	}
}

// serverError logs and returns an internal server error. The error should
// contain the information needed for logging.
func (web *WebApp) serverError(w http.ResponseWriter, r *http.Request, errs ...error) {
	err := errors.Join(errs...)
	web.log.Error(err.Error(), "method", r.Method, "uri", r.URL.RequestURI())
	web.writeJSON(w, http.StatusInternalServerError, struct {
		Error string `json:"error"`
	}{http.StatusText(http.StatusInternalServerError)})
}

// clientError returns a client error.
func (web *WebApp) clientError(w http.ResponseWriter, message string, status int) {
	if message == "" {
		message = http.StatusText(status)
	}
	web.writeJSON(w, status, struct {
		Error string `json:"error"`
	}{message})
}

// validationError returns the validator's field errors as a 400.
func (web *WebApp) validationError(w http.ResponseWriter, v *Validator) {
	web.writeJSON(w, http.StatusBadRequest, v)
}
