package common

import (
	"encoding/json"

	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
)

// Log contains the default logger to use.
var Log = logrus.WithFields(logrus.Fields{
	"service": "dicom-adapter",
	"art-id":  "dicom-adapter",
	"group":   "org.cyverse",
})

// ErrorResponse represents an HTTP response body containing error information. This type implements
// the error interface so that it can be returned as an error from from existing functions.
type ErrorResponse struct {
	Message string                  `json:"message"`
	Details *map[string]interface{} `json:"details,omitempty"`
}

// NewErrorResponse returns an ErrorResponse wrapping an arbitrary error.
func NewErrorResponse(err error) ErrorResponse {
	if resp, ok := err.(ErrorResponse); ok {
		return resp
	}
	return ErrorResponse{Message: err.Error()}
}

// ErrorBytes returns a byte-array representation of an ErrorResponse.
func (e ErrorResponse) ErrorBytes() []byte {
	bytes, err := json.Marshal(e)
	if err != nil {
		log.Errorf("unable to marshal %+v as JSON", e)
		return make([]byte, 0)
	}
	return bytes
}

// Error returns a string representation of an ErrorResponse.
func (e ErrorResponse) Error() string {
	return string(e.ErrorBytes())
}
