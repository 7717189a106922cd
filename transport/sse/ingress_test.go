package sse

import (
	"bytes"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayload = `{"jsonrpc":"2.0","method":"ping","id":1}`

func TestExtractPayloadJSONBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/messages", strings.NewReader(testPayload))
	req.Header.Set("Content-Type", "application/json")

	got, err := extractPayload(req)
	require.NoError(t, err)
	assert.Equal(t, []byte(testPayload), got)
}

func TestExtractPayloadNoContentType(t *testing.T) {
	// Clients that skip content negotiation entirely still get their body
	// through verbatim.
	req := httptest.NewRequest("POST", "/messages", strings.NewReader(testPayload))

	got, err := extractPayload(req)
	require.NoError(t, err)
	assert.Equal(t, []byte(testPayload), got)
}

func TestExtractPayloadMultipartValue(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("data", testPayload))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/messages", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	got, err := extractPayload(req)
	require.NoError(t, err)
	assert.Equal(t, []byte(testPayload), got)
}

func TestExtractPayloadMultipartFilePart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("data", "payload.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(testPayload))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/messages", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	got, err := extractPayload(req)
	require.NoError(t, err)
	assert.Equal(t, []byte(testPayload), got)
}

func TestExtractPayloadMultipartMissingField(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("wrong", testPayload))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/messages", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, err := extractPayload(req)
	assert.ErrorIs(t, err, errMissingDataField)
}

func TestExtractPayloadMalformedMultipart(t *testing.T) {
	req := httptest.NewRequest("POST", "/messages", strings.NewReader("not a multipart body"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")

	_, err := extractPayload(req)
	assert.Error(t, err)
}

// Both encodings must hand the engine byte-identical payloads.
func TestEncodingTransparency(t *testing.T) {
	jsonReq := httptest.NewRequest("POST", "/messages", strings.NewReader(testPayload))
	jsonReq.Header.Set("Content-Type", "application/json")
	fromJSON, err := extractPayload(jsonReq)
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("data", testPayload))
	require.NoError(t, mw.Close())
	formReq := httptest.NewRequest("POST", "/messages", &body)
	formReq.Header.Set("Content-Type", mw.FormDataContentType())
	fromForm, err := extractPayload(formReq)
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromForm)
}
