package dicomweb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/pkg/errors"
)

// StoreInstances STOWs a group of DICOM files to studies/, or to
// studies/<uid>/ when studyUID is non-empty. A 200 means every file was
// stored; any other status is a StoreError and the whole group counts as
// failed.
func (c *Client) StoreInstances(ctx context.Context, studyUID string, files [][]byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, file := range files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/dicom")
		part, err := mw.CreatePart(header)
		if err != nil {
			return errors.Wrap(err, "framing STOW part")
		}
		if _, err := part.Write(file); err != nil {
			return errors.Wrap(err, "writing STOW part")
		}
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "closing STOW body")
	}

	path := "studies/"
	if studyUID != "" {
		path = fmt.Sprintf("studies/%s/", url.PathEscape(studyUID))
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type",
		fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, mw.Boundary()))
	req.Header.Set("Accept", "application/dicom+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StoreError{StatusCode: resp.StatusCode, Body: string(detail)}
	}
	// The per-SOP result document is informational when the status is 200;
	// drain it so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	return nil
}
