package domain

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// SourceKind tells where a captured image came from
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceCamera SourceKind = "camera"
)

// CapturedImage is a single photo bound for identification
type CapturedImage struct {
	Payload  []byte
	MIMEType string
	// Preview is a data URI of the payload, suitable for an <img src>
	Preview string
	Kind    SourceKind
	Name    string
	Digest  string
	Width   int
	Height  int
}

// NewCapturedImage fills the preview and digest for a payload
func NewCapturedImage(kind SourceKind, name, mimeType string, payload []byte) *CapturedImage {
	return &CapturedImage{
		Payload:  payload,
		MIMEType: mimeType,
		Preview:  DataURI(mimeType, payload),
		Kind:     kind,
		Name:     name,
		Digest:   fmt.Sprintf("%x", sha256.Sum256(payload)),
	}
}

// Release drops the payload and preview so they can be collected
func (c *CapturedImage) Release() {
	if c == nil {
		return
	}
	c.Payload = nil
	c.Preview = ""
}

// Size returns the payload length in bytes
func (c *CapturedImage) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Payload)
}

// DataURI encodes data as a base64 data URI
func DataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
