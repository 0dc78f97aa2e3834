// Package tool defines the contract between device operations and the
// orchestration layer that invokes them by name.
package tool

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	modbusmcp "github.com/TwoMental/modbus-mcp"
)

// ContentType is the kind of a content block.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentResource ContentType = "resource"
)

// Content is one block of a tool result.
type Content struct {
	Type ContentType `json:"type"`

	// Text is set for text blocks and text resources.
	Text string `json:"text,omitempty"`

	// Data is base64 encoded image data.
	Data string `json:"data,omitempty"`

	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Result is what every tool returns. IsError is set only when Content is
// the rendering of a failure.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult returns a successful result holding one text block.
func TextResult(text string) Result {
	return Result{Content: []Content{{Type: ContentText, Text: text}}}
}

// JSONResult renders v as indented JSON text.
func JSONResult(v any) Result {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return FromFailure(modbusmcp.NewFailure(
			fmt.Sprintf("encode result: %v", err), modbusmcp.KindUnknown, modbusmcp.WithCause(err),
		))
	}
	return TextResult(string(data))
}

// ImageResult returns a successful result holding one image block.
func ImageResult(data []byte, mimeType string) Result {
	return Result{Content: []Content{{
		Type:     ContentImage,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}}}
}

// ResourceResult returns a successful result holding one text resource.
func ResourceResult(uri, mimeType, text string) Result {
	return Result{Content: []Content{{
		Type:     ContentResource,
		URI:      uri,
		MimeType: mimeType,
		Text:     text,
	}}}
}

// Append adds the content of other to r.
func (r Result) Append(other Result) Result {
	r.Content = append(r.Content, other.Content...)
	r.IsError = r.IsError || other.IsError
	return r
}

// FromFailure renders a failure as a result: a single text block carrying
// the failure message, with IsError set. All failures are rendered here.
func FromFailure(f *modbusmcp.Failure) Result {
	if f == nil {
		f = modbusmcp.NewFailure("unknown failure", modbusmcp.KindUnknown)
	}
	return Result{
		Content: []Content{{Type: ContentText, Text: f.Message()}},
		IsError: true,
	}
}

// FromError renders err through FromFailure, classifying it as an
// UnknownError when it carries no failure.
func FromError(err error) Result {
	return FromFailure(modbusmcp.AsFailure(err))
}

// Text returns the concatenated text of all text blocks.
func (r Result) Text() string {
	var s string
	for _, c := range r.Content {
		if c.Type == ContentText {
			s += c.Text
		}
	}
	return s
}
