package dicomweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Attribute is one element of a DICOM+JSON data set (PS3.18 annex F).
type Attribute struct {
	VR    string        `json:"vr"`
	Value []interface{} `json:"Value,omitempty"`
}

// DataSet is a parsed DICOM+JSON data set keyed by 8-digit tag.
type DataSet map[string]Attribute

// DICOM+JSON tags the adapter reads from query results.
const (
	tagStudyInstanceUID = "0020000D"
)

// StudyInstanceUID returns the study UID attribute of a query result, or ""
// when absent.
func (d DataSet) StudyInstanceUID() string {
	attr, ok := d[tagStudyInstanceUID]
	if !ok || len(attr.Value) == 0 {
		return ""
	}
	uid, _ := attr.Value[0].(string)
	return uid
}

// JSONReader is a lazy sequence over a top-level JSON array, as returned by
// the metadata and QIDO endpoints.
type JSONReader struct {
	body    io.Closer
	decoder *json.Decoder
	started bool
}

func newJSONReader(body io.ReadCloser) *JSONReader {
	return &JSONReader{body: body, decoder: json.NewDecoder(body)}
}

// Next decodes the next array entry into out. Supported targets are *string
// (the raw JSON text of the entry) and *DataSet (the parsed form); anything
// else is an unsupported-output-type error. Returns io.EOF past the last
// entry.
func (r *JSONReader) Next(out interface{}) error {
	switch out.(type) {
	case *string, *DataSet:
	default:
		return &unsupportedOutputTypeError{target: out}
	}

	if !r.started {
		tok, err := r.decoder.Token()
		if err != nil {
			return errors.Wrap(err, "reading response array")
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return errors.Errorf("expected a JSON array, got %v", tok)
		}
		r.started = true
	}
	if !r.decoder.More() {
		return io.EOF
	}

	var raw json.RawMessage
	if err := r.decoder.Decode(&raw); err != nil {
		return errors.Wrap(err, "decoding response entry")
	}
	switch out := out.(type) {
	case *string:
		*out = string(raw)
		return nil
	case *DataSet:
		return json.Unmarshal(raw, out)
	}
	return nil
}

// Close releases the underlying response body.
func (r *JSONReader) Close() error {
	return r.body.Close()
}

func (c *Client) getJSON(ctx context.Context, path string) (*JSONReader, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dicom+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return newJSONReader(io.NopCloser(strings.NewReader("[]"))), nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("GET %s returned %s", path, resp.Status)
	}
	return newJSONReader(resp.Body), nil
}

// StudyMetadata retrieves the metadata of every instance in a study.
func (c *Client) StudyMetadata(ctx context.Context, studyUID string) (*JSONReader, error) {
	return c.getJSON(ctx, fmt.Sprintf("studies/%s/metadata", url.PathEscape(studyUID)))
}

// SeriesMetadata retrieves the metadata of every instance in a series.
func (c *Client) SeriesMetadata(ctx context.Context, studyUID, seriesUID string) (*JSONReader, error) {
	return c.getJSON(ctx, fmt.Sprintf("studies/%s/series/%s/metadata",
		url.PathEscape(studyUID), url.PathEscape(seriesUID)))
}

// InstanceMetadata retrieves the metadata of one SOP instance.
func (c *Client) InstanceMetadata(ctx context.Context, studyUID, seriesUID, sopInstanceUID string) (*JSONReader, error) {
	return c.getJSON(ctx, fmt.Sprintf("studies/%s/series/%s/instances/%s/metadata",
		url.PathEscape(studyUID), url.PathEscape(seriesUID), url.PathEscape(sopInstanceUID)))
}

// StudyQuery is a QIDO-RS studies query. Matching keys that are empty are
// omitted from the request.
type StudyQuery struct {
	PatientID       string
	AccessionNumber string
	IncludeFields   []string
	Limit           int
	Offset          int
}

// QueryStudies runs a QIDO-RS studies search. Fuzzy matching is always
// requested; limit and offset pass through to the server, which owns
// pagination.
func (c *Client) QueryStudies(ctx context.Context, q StudyQuery) (*JSONReader, error) {
	values := url.Values{}
	if q.PatientID != "" {
		values.Set("PatientID", q.PatientID)
	}
	if q.AccessionNumber != "" {
		values.Set("AccessionNumber", q.AccessionNumber)
	}
	for _, f := range q.IncludeFields {
		values.Add("includefield", f)
	}
	values.Set("fuzzymatching", "true")
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	return c.getJSON(ctx, "studies/?"+values.Encode())
}
