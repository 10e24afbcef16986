package models

// Content part types understood by the agent layer.
const (
	PartTypeText      = "text"
	PartTypeRemoteURI = "google_cloud_file_uri"
	PartTypeImageData = "image_data"
)

// ContentPart is one block of an assembled multimodal prompt.
type ContentPart struct {
	Type string `json:"type"`

	// Text is set for PartTypeText.
	Text string `json:"text,omitempty"`

	// RemoteURI is set for PartTypeRemoteURI.
	RemoteURI string `json:"google_cloud_file_uri,omitempty"`

	// Image is set for PartTypeImageData.
	Image *InlineImage `json:"image_data,omitempty"`
}

// InlineImage carries base64-encoded image bytes as a data URI.
type InlineImage struct {
	Data   string `json:"data"`
	Detail string `json:"detail"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// RemoteURIPart builds a remote file reference part.
func RemoteURIPart(uri string) ContentPart {
	return ContentPart{Type: PartTypeRemoteURI, RemoteURI: uri}
}

// InlineImagePart builds an inline base64 image part.
func InlineImagePart(dataURI string) ContentPart {
	return ContentPart{Type: PartTypeImageData, Image: &InlineImage{Data: dataURI, Detail: "auto"}}
}
