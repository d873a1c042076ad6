package main

import (
	"net/http"

	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/cyverse-de/dicom-adapter/config"
	"github.com/cyverse-de/dicom-adapter/database"
	"github.com/cyverse-de/dicom-adapter/events"
	"github.com/cyverse-de/dicom-adapter/inference"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/platform"
	"github.com/cyverse-de/dicom-adapter/services"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labstack/echo/v4"
)

// AdapterApp ties the REST API to the stores and services underneath it. All
// of the HTTP handlers are methods for an AdapterApp instance.
type AdapterApp struct {
	store    *database.Store
	health   *services.HealthReporter
	jobs     platform.Jobs
	aeEvents *events.AEChangeBus
	validate *validator.Validate
	router   *echo.Echo
}

// AdapterAppInit contains the collaborators for creating a new AdapterApp.
type AdapterAppInit struct {
	Store    *database.Store
	Health   *services.HealthReporter
	Jobs     platform.Jobs
	AEEvents *events.AEChangeBus
}

// NewAdapterApp creates and returns a newly instantiated *AdapterApp.
func NewAdapterApp(init *AdapterAppInit) *AdapterApp {
	app := &AdapterApp{
		store:    init.Store,
		health:   init.Health,
		jobs:     init.Jobs,
		aeEvents: init.AEEvents,
		validate: validator.New(),
		router:   echo.New(),
	}
	app.router.HideBanner = true

	app.router.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError

		if echoErr, ok := err.(*echo.HTTPError); ok {
			code = echoErr.Code
		}

		c.JSON(code, common.NewErrorResponse(err)) // nolint:errcheck
	}

	app.router.GET("/", app.Greeting).Name = "greeting"
	app.router.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := app.router.Group("/api")
	api.POST("/inference", app.SubmitInference)
	api.GET("/inference/status/:transactionId", app.InferenceStatus)

	cfg := api.Group("/config")

	ae := cfg.Group("/ae")
	ae.GET("", app.ListLocalAEs)
	ae.POST("", app.PutLocalAE)
	ae.DELETE("/:aeTitle", app.DeleteLocalAE)

	source := cfg.Group("/source")
	source.GET("", app.ListSourceAEs)
	source.POST("", app.AddSourceAE)
	source.DELETE("/:aeTitle", app.DeleteSourceAE)

	destination := cfg.Group("/destination")
	destination.GET("", app.ListDestinationAEs)
	destination.POST("", app.AddDestinationAE)
	destination.DELETE("/:name", app.DeleteDestinationAE)

	health := app.router.Group("/health")
	health.GET("/ready", app.HealthReady)
	health.GET("/live", app.HealthLive)
	health.GET("/status", app.HealthStatus)

	return app
}

// Greeting lets the caller know that the service is up and should be receiving
// requests.
func (a *AdapterApp) Greeting(context echo.Context) error {
	context.String(http.StatusOK, "Hello from dicom-adapter.") // nolint:errcheck
	return nil
}

// inferenceAccepted is the response body for an accepted inference request.
type inferenceAccepted struct {
	TransactionID string `json:"transactionId"`
	State         string `json:"state"`
}

// SubmitInference accepts an inference request, validates it, and queues it
// for the retrieval engine.
func (a *AdapterApp) SubmitInference(c echo.Context) error {
	var req model.InferenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := inference.ValidateRequest(a.validate, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	existing, err := a.store.GetRequest(req.TransactionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return echo.NewHTTPError(http.StatusConflict, "transaction "+req.TransactionID+" was already submitted")
	}

	req.State = model.RequestStateQueued
	req.Status = model.RequestStatusUnknown
	if err := a.store.AddRequest(&req); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, inferenceAccepted{
		TransactionID: req.TransactionID,
		State:         req.State,
	})
}

// inferenceStatus is the response body of the status endpoint. The platform
// section is present once a platform job exists for the transaction.
type inferenceStatus struct {
	TransactionID string               `json:"transactionId"`
	Dicom         dicomStatus          `json:"dicom"`
	Platform      *platform.JobDetails `json:"platform,omitempty"`
	Message       string               `json:"message,omitempty"`
}

type dicomStatus struct {
	State  string `json:"state"`
	Status string `json:"status"`
}

// InferenceStatus reports the adapter-side and platform-side state of a
// previously submitted transaction.
func (a *AdapterApp) InferenceStatus(c echo.Context) error {
	transactionID := c.Param("transactionId")

	req, err := a.store.GetRequest(transactionID)
	if err != nil {
		return err
	}
	if req == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown transaction "+transactionID)
	}

	status := inferenceStatus{
		TransactionID: req.TransactionID,
		Dicom: dicomStatus{
			State:  req.State,
			Status: req.Status,
		},
	}
	if req.JobID != "" {
		details, err := a.jobs.Status(c.Request().Context(), req.JobID)
		if err != nil {
			// The adapter-side state still answers the question.
			status.Message = "platform job status unavailable"
			log.WithError(err).Warnf("fetching platform status for job %s", req.JobID)
		} else {
			status.Platform = details
		}
	}

	return c.JSON(http.StatusOK, status)
}

// ListLocalAEs returns every configured local application entity.
func (a *AdapterApp) ListLocalAEs(c echo.Context) error {
	aes, err := a.store.ListLocalAEs()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, aes)
}

// PutLocalAE adds or updates a local application entity and notifies the
// processor manager through the change bus.
func (a *AdapterApp) PutLocalAE(c echo.Context) error {
	var ae model.LocalAE
	if err := c.Bind(&ae); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := config.ValidateAETitle(ae.AETitle); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if ae.Name == "" {
		ae.Name = ae.AETitle
	}

	existing, err := a.store.GetLocalAE(ae.AETitle)
	if err != nil {
		return err
	}

	kind := events.AEAdded
	if existing != nil {
		kind = events.AEUpdated
		err = a.store.UpdateLocalAE(&ae)
	} else {
		err = a.store.AddLocalAE(&ae)
	}
	if err != nil {
		return err
	}

	a.aeEvents.Publish(events.AEChange{Kind: kind, AE: ae})
	return c.JSON(http.StatusOK, ae)
}

// DeleteLocalAE removes a local application entity and notifies the processor
// manager through the change bus.
func (a *AdapterApp) DeleteLocalAE(c echo.Context) error {
	aeTitle := c.Param("aeTitle")

	existing, err := a.store.GetLocalAE(aeTitle)
	if err != nil {
		return err
	}
	if existing == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown AE title "+aeTitle)
	}
	if err := a.store.DeleteLocalAE(aeTitle); err != nil {
		return err
	}

	a.aeEvents.Publish(events.AEChange{Kind: events.AEDeleted, AE: *existing})
	return c.NoContent(http.StatusOK)
}

// ListSourceAEs returns every permitted source application entity.
func (a *AdapterApp) ListSourceAEs(c echo.Context) error {
	sources, err := a.store.ListSourceAEs()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sources)
}

// AddSourceAE permits a remote application entity to open associations.
func (a *AdapterApp) AddSourceAE(c echo.Context) error {
	var src model.SourceAE
	if err := c.Bind(&src); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := config.ValidateAETitle(src.AETitle); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if src.HostIP == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "hostIp must be set")
	}
	if err := a.store.AddSourceAE(&src); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, src)
}

// DeleteSourceAE revokes a source application entity.
func (a *AdapterApp) DeleteSourceAE(c echo.Context) error {
	aeTitle := c.Param("aeTitle")
	if err := a.store.DeleteSourceAE(aeTitle); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// ListDestinationAEs returns every configured export destination.
func (a *AdapterApp) ListDestinationAEs(c echo.Context) error {
	destinations, err := a.store.ListDestinationAEs()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, destinations)
}

// AddDestinationAE configures a DIMSE export destination.
func (a *AdapterApp) AddDestinationAE(c echo.Context) error {
	var dest model.DestinationAE
	if err := c.Bind(&dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if dest.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name must be set")
	}
	if err := config.ValidateAETitle(dest.AETitle); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if dest.HostIP == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "hostIp must be set")
	}
	if dest.Port < 1 || dest.Port > 65535 {
		return echo.NewHTTPError(http.StatusBadRequest, "port out of range 1-65535")
	}
	if err := a.store.AddDestinationAE(&dest); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dest)
}

// DeleteDestinationAE removes a DIMSE export destination.
func (a *AdapterApp) DeleteDestinationAE(c echo.Context) error {
	name := c.Param("name")
	if err := a.store.DeleteDestinationAE(name); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// HealthReady answers 200 while every service is running and 503 otherwise.
func (a *AdapterApp) HealthReady(c echo.Context) error {
	if !a.health.Ready() {
		return c.JSON(http.StatusServiceUnavailable, map[string]bool{"ready": false})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ready": true})
}

// HealthLive answers 200 until a service has died and 503 afterwards.
func (a *AdapterApp) HealthLive(c echo.Context) error {
	if !a.health.Live() {
		return c.JSON(http.StatusServiceUnavailable, map[string]bool{"live": false})
	}
	return c.JSON(http.StatusOK, map[string]bool{"live": true})
}

// HealthStatus reports the per-service states and the active DIMSE
// association count.
func (a *AdapterApp) HealthStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, a.health.Status())
}
