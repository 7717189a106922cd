package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
)

// errMissingDataField reports a multipart POST without the required "data"
// field.
var errMissingDataField = errors.New("missing 'data' field in form")

var multipartMediaType = contenttype.NewMediaType("multipart/form-data")

// maxMultipartMemory bounds in-memory multipart parsing; larger parts spill
// to disk.
const maxMultipartMemory = 4 << 20

// extractPayload normalizes the two accepted POST encodings into raw
// JSON-RPC payload bytes. Browsers driving the gateway through a <form>
// cannot emit raw JSON bodies, so the payload may arrive as a multipart
// field named "data" instead; either way the engine sees identical bytes and
// downstream code never re-inspects the content type.
func extractPayload(r *http.Request) ([]byte, error) {
	ctype, err := contenttype.GetMediaType(r)
	if err == nil && ctype.Matches(multipartMediaType) {
		return extractFormPayload(r)
	}

	// Anything else, application/json included, is treated as the JSON-RPC
	// object verbatim. No schema validation happens here.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

func extractFormPayload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}

	if values := r.MultipartForm.Value["data"]; len(values) > 0 {
		return []byte(values[0]), nil
	}

	// Some clients attach the field as a file part rather than a value.
	if files := r.MultipartForm.File["data"]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			return nil, fmt.Errorf("open 'data' form field: %w", err)
		}
		defer f.Close()
		payload, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read 'data' form field: %w", err)
		}
		return payload, nil
	}

	return nil, errMissingDataField
}
