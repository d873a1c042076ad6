package dicomweb

import "fmt"

// ResponseDecodeError means a binary endpoint answered with something other
// than a decodable multipart/related body.
type ResponseDecodeError struct {
	ContentType string
}

func (e *ResponseDecodeError) Error() string {
	return fmt.Sprintf("response is not multipart/related (got %q)", e.ContentType)
}

// StoreError is a STOW response other than full success.
type StoreError struct {
	StatusCode int
	Body       string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("STOW returned HTTP %d: %s", e.StatusCode, e.Body)
}

// unsupportedOutputTypeError rejects metadata decoding targets other than
// raw JSON strings and parsed data sets.
type unsupportedOutputTypeError struct {
	target interface{}
}

func (e *unsupportedOutputTypeError) Error() string {
	return fmt.Sprintf("unsupported metadata output type %T", e.target)
}
