package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

var log = common.Log

// Environment variables that override the configured endpoints, set by the
// cluster when the adapter runs alongside the platform.
const (
	EnvPlatformHost = "CLARA_SERVICE_HOST"
	EnvPlatformPort = "CLARA_SERVICE_PORT_API"
	EnvResultsHost  = "CLARA_RESULTSSERVICE_SERVICE_HOST"
	EnvResultsPort  = "CLARA_RESULTSSERVICE_SERVICE_PORT"
)

func endpointFromEnv(hostVar, portVar, configured string) string {
	host := os.Getenv(hostVar)
	port := os.Getenv(portVar)
	if host != "" && port != "" {
		return fmt.Sprintf("http://%s:%s", host, port)
	}
	return configured
}

// PlatformEndpoint returns the job/payload service base URI, preferring the
// environment override to the configured value.
func PlatformEndpoint(configured string) string {
	return endpointFromEnv(EnvPlatformHost, EnvPlatformPort, configured)
}

// ResultsEndpoint returns the results service base URI, preferring the
// environment override to the configured value.
func ResultsEndpoint(configured string) string {
	return endpointFromEnv(EnvResultsHost, EnvResultsPort, configured)
}

// Client implements Jobs, Payloads, and Results over the platform's HTTP
// API.
type Client struct {
	platformBase string
	resultsBase  string
	http         *http.Client
}

// NewClient returns a client for the given base URIs. Trailing slashes are
// stripped so path joining stays uniform.
func NewClient(platformBase, resultsBase string) *Client {
	return &Client{
		platformBase: strings.TrimRight(platformBase, "/"),
		resultsBase:  strings.TrimRight(resultsBase, "/"),
		http:         cleanhttp.DefaultPooledClient(),
	}
}

func (c *Client) doJSON(ctx context.Context, method, uri string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		payload = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, payload)
	if err != nil {
		return errors.Wrapf(err, "building %s %s", method, uri)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, uri)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("%s %s returned %s: %s", method, uri, resp.Status, string(detail))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Create makes a platform job for the given pipeline.
func (c *Client) Create(ctx context.Context, params JobParams) (JobHandle, error) {
	var handle JobHandle
	err := c.doJSON(ctx, http.MethodPost, c.platformBase+"/api/v1/jobs", params, &handle)
	return handle, err
}

// Start begins execution of a created job.
func (c *Client) Start(ctx context.Context, jobID string) error {
	uri := fmt.Sprintf("%s/api/v1/jobs/%s/start", c.platformBase, url.PathEscape(jobID))
	return c.doJSON(ctx, http.MethodPut, uri, nil, nil)
}

// Status fetches the platform's view of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*JobDetails, error) {
	details := &JobDetails{}
	uri := fmt.Sprintf("%s/api/v1/jobs/%s", c.platformBase, url.PathEscape(jobID))
	if err := c.doJSON(ctx, http.MethodGet, uri, nil, details); err != nil {
		return nil, err
	}
	return details, nil
}

// Upload streams one file into a payload.
func (c *Client) Upload(ctx context.Context, payloadID, name string, contents io.Reader) error {
	uri := fmt.Sprintf("%s/api/v1/payloads/%s/files/%s",
		c.platformBase, url.PathEscape(payloadID), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uri, contents)
	if err != nil {
		return errors.Wrapf(err, "building upload for %s", name)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "uploading %s to payload %s", name, payloadID)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("uploading %s to payload %s returned %s", name, payloadID, resp.Status)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Download fetches one artifact of a payload by its URI.
func (c *Client) Download(ctx context.Context, payloadID, artifactURI string) ([]byte, error) {
	uri := fmt.Sprintf("%s/api/v1/payloads/%s/files?uri=%s",
		c.platformBase, url.PathEscape(payloadID), url.QueryEscape(artifactURI))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building download for %s", artifactURI)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %s from payload %s", artifactURI, payloadID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("downloading %s from payload %s returned %s", artifactURI, payloadID, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// GetPending returns up to limit export tasks for the agent.
func (c *Client) GetPending(ctx context.Context, agent string, limit int) ([]model.ExportTask, error) {
	uri := fmt.Sprintf("%s/api/v1/results/pending?agent=%s&limit=%s",
		c.resultsBase, url.QueryEscape(agent), strconv.Itoa(limit))
	var tasks []model.ExportTask
	if err := c.doJSON(ctx, http.MethodGet, uri, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ReportSuccess settles a task as fully exported.
func (c *Client) ReportSuccess(ctx context.Context, taskID string) error {
	uri := fmt.Sprintf("%s/api/v1/results/%s/success", c.resultsBase, url.PathEscape(taskID))
	return c.doJSON(ctx, http.MethodPut, uri, nil, nil)
}

// ReportFailure settles a task as failed; retry asks the results service to
// hand it out again.
func (c *Client) ReportFailure(ctx context.Context, taskID string, retry bool) error {
	uri := fmt.Sprintf("%s/api/v1/results/%s/failure", c.resultsBase, url.PathEscape(taskID))
	body := map[string]bool{"retry": retry}
	log.WithField("task", taskID).Debugf("reporting export failure, retry=%t", retry)
	return c.doJSON(ctx, http.MethodPut, uri, body, nil)
}
