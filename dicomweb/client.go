// Package dicomweb is the outbound DICOMweb client: WADO-RS retrieval with
// multipart/related decoding, QIDO-RS queries, STOW-RS storage, and
// byte-range bulkdata access, per PS3.18.
package dicomweb

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/cyverse-de/dicom-adapter/dimse"
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

// Client talks to one DICOMweb service root.
type Client struct {
	base string
	auth Auth
	http *http.Client
}

// New returns a client for the given service root. The root is canonicalized
// to end in a slash so relative paths always append.
func New(rootURI string, auth Auth) (*Client, error) {
	u, err := url.Parse(rootURI)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing service root %q", rootURI)
	}
	if !u.IsAbs() {
		return nil, errors.Errorf("service root %q is not absolute", rootURI)
	}
	base := u.String()
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &Client{
		base: base,
		auth: auth,
		http: cleanhttp.DefaultPooledClient(),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s %s", method, path)
	}
	c.auth.Apply(req)
	return req, nil
}

// acceptValues builds one Accept value per requested transfer syntax. An
// empty list defaults to explicit VR little endian; the wildcard omits the
// transfer-syntax parameter so the server picks.
func acceptValues(transferSyntaxes []string) []string {
	if len(transferSyntaxes) == 0 {
		transferSyntaxes = []string{dimse.ExplicitVRLittleEndian}
	}
	values := make([]string, 0, len(transferSyntaxes))
	for _, ts := range transferSyntaxes {
		if ts == "*" {
			values = append(values, `multipart/related; type="application/dicom"`)
			continue
		}
		values = append(values, fmt.Sprintf(`multipart/related; type="application/dicom"; transfer-syntax=%s`, ts))
	}
	return values
}

func (c *Client) retrieve(ctx context.Context, path string, transferSyntaxes []string) (*PartReader, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	for _, v := range acceptValues(transferSyntaxes) {
		req.Header.Add("Accept", v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("GET %s returned %s", path, resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" {
		resp.Body.Close()
		return nil, &ResponseDecodeError{ContentType: resp.Header.Get("Content-Type")}
	}
	boundary := params["boundary"]
	if boundary == "" {
		resp.Body.Close()
		return nil, &ResponseDecodeError{ContentType: resp.Header.Get("Content-Type")}
	}

	return &PartReader{
		body:   resp.Body,
		reader: multipart.NewReader(resp.Body, boundary),
	}, nil
}

// RetrieveStudy retrieves every instance of a study.
func (c *Client) RetrieveStudy(ctx context.Context, studyUID string, transferSyntaxes []string) (*PartReader, error) {
	return c.retrieve(ctx, fmt.Sprintf("studies/%s", url.PathEscape(studyUID)), transferSyntaxes)
}

// RetrieveSeries retrieves every instance of a series.
func (c *Client) RetrieveSeries(ctx context.Context, studyUID, seriesUID string, transferSyntaxes []string) (*PartReader, error) {
	return c.retrieve(ctx,
		fmt.Sprintf("studies/%s/series/%s", url.PathEscape(studyUID), url.PathEscape(seriesUID)),
		transferSyntaxes)
}

// RetrieveInstance retrieves a single SOP instance.
func (c *Client) RetrieveInstance(ctx context.Context, studyUID, seriesUID, sopInstanceUID string, transferSyntaxes []string) (*PartReader, error) {
	return c.retrieve(ctx,
		fmt.Sprintf("studies/%s/series/%s/instances/%s",
			url.PathEscape(studyUID), url.PathEscape(seriesUID), url.PathEscape(sopInstanceUID)),
		transferSyntaxes)
}

// Bulkdata retrieves a byte range of a bulkdata URI relative to the service
// root. A negative end leaves the range open.
func (c *Client) Bulkdata(ctx context.Context, path string, start, end int64) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	if end < 0 {
		req.Header.Set("Range", fmt.Sprintf("byte=%d-", start))
	} else {
		req.Header.Set("Range", fmt.Sprintf("byte=%d-%d", start, end))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, errors.Errorf("GET %s returned %s", path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// PartReader is a lazy sequence of binary multipart parts. Parts are read
// from the wire one at a time; Close drains the response.
type PartReader struct {
	body   io.Closer
	reader *multipart.Reader
}

// Next returns the next part's bytes, or io.EOF after the last part.
func (r *PartReader) Next() ([]byte, error) {
	part, err := r.reader.NextPart()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(part)
	if err != nil {
		return nil, errors.Wrap(err, "reading multipart part")
	}
	return data, nil
}

// RetrievedInstance is one decoded WADO part: the raw Part-10 file bytes
// plus the identifiers pulled out of them.
type RetrievedInstance struct {
	SOPInstanceUID    string
	SOPClassUID       string
	StudyInstanceUID  string
	SeriesInstanceUID string
	PatientID         string
	Data              []byte
}

// NextInstance reads and parses the next part as a DICOM file, or io.EOF
// after the last part. A part that does not parse is an error; callers that
// tolerate malformed parts skip and continue.
func (r *PartReader) NextInstance() (*RetrievedInstance, error) {
	data, err := r.Next()
	if err != nil {
		return nil, err
	}
	ds, err := dicom.ReadDataSetInBytes(data, dicom.ReadOptions{DropPixelData: true})
	if err != nil {
		return nil, errors.Wrap(err, "parsing retrieved instance")
	}
	inst := &RetrievedInstance{Data: data}
	for _, want := range []struct {
		tag  dicomtag.Tag
		into *string
	}{
		{dicomtag.SOPInstanceUID, &inst.SOPInstanceUID},
		{dicomtag.SOPClassUID, &inst.SOPClassUID},
		{dicomtag.StudyInstanceUID, &inst.StudyInstanceUID},
		{dicomtag.SeriesInstanceUID, &inst.SeriesInstanceUID},
		{dicomtag.PatientID, &inst.PatientID},
	} {
		elem, err := ds.FindElementByTag(want.tag)
		if err != nil {
			continue
		}
		if v, err := elem.GetString(); err == nil {
			*want.into = v
		}
	}
	if inst.SOPInstanceUID == "" {
		return nil, errors.New("retrieved instance lacks a SOP instance UID")
	}
	return inst, nil
}

// Close releases the underlying response body.
func (r *PartReader) Close() error {
	return r.body.Close()
}
