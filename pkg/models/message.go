// Package models defines the data model shared by the ingestion core:
// staged messages, image references, upload statuses, conversation pairs,
// and the multimodal content parts handed to memory agents.
//
// Wire formats are fixed: the coordinator is shared with other service
// replicas, so field names and tagging must not drift.
package models

import (
	"encoding/json"
	"fmt"
)

// GenericImageSource labels images whose origin is unknown or whose sources
// slice does not align with the image slice.
const GenericImageSource = "Screenshots"

// StagedMessage is one normalized input record in a per-user queue.
type StagedMessage struct {
	// Timestamp is producer-assigned and monotonic-sortable (ISO-8601).
	Timestamp string

	// Text is optional natural-language content.
	Text string

	// Images holds ordered image references; may be empty.
	Images []ImageRef

	// Sources optionally tags each image's origin application, parallel to
	// Images. A length mismatch is tolerated and falls back to a generic
	// source label at prompt-assembly time.
	Sources []string

	// AudioCount is the number of decoded audio segments attached to this
	// message. Raw audio never crosses the coordinator; only the count does.
	AudioCount int

	// DeleteAfterUpload hints that local source files should be removed
	// once the message has been absorbed.
	DeleteAfterUpload bool
}

// stagedMessageWire mirrors the coordinator JSON document.
type stagedMessageWire struct {
	Timestamp         string         `json:"timestamp"`
	ImageURIs         []ImageRef     `json:"image_uris"`
	Sources           []string       `json:"sources"`
	AudioSegments     *audioMetaWire `json:"audio_segments"`
	Message           *string        `json:"message"`
	DeleteAfterUpload bool           `json:"delete_after_upload,omitempty"`
}

type audioMetaWire struct {
	Count int `json:"count"`
}

// MarshalJSON emits the coordinator wire form. Empty slices collapse to
// null, matching what other replicas produce.
func (m StagedMessage) MarshalJSON() ([]byte, error) {
	w := stagedMessageWire{
		Timestamp:         m.Timestamp,
		DeleteAfterUpload: m.DeleteAfterUpload,
	}
	if len(m.Images) > 0 {
		w.ImageURIs = m.Images
	}
	if len(m.Sources) > 0 {
		w.Sources = m.Sources
	}
	if m.AudioCount > 0 {
		w.AudioSegments = &audioMetaWire{Count: m.AudioCount}
	}
	if m.Text != "" {
		text := m.Text
		w.Message = &text
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the coordinator wire form.
func (m *StagedMessage) UnmarshalJSON(data []byte) error {
	var w stagedMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("staged message: %w", err)
	}
	*m = StagedMessage{
		Timestamp:         w.Timestamp,
		Images:            w.ImageURIs,
		Sources:           w.Sources,
		DeleteAfterUpload: w.DeleteAfterUpload,
	}
	if w.AudioSegments != nil {
		m.AudioCount = w.AudioSegments.Count
	}
	if w.Message != nil {
		m.Text = *w.Message
	}
	return nil
}

// HasPendingImage reports whether any attached image is still a Pending
// upload placeholder.
func (m *StagedMessage) HasPendingImage() bool {
	for _, ref := range m.Images {
		if ref.Kind == ImageKindPending {
			return true
		}
	}
	return false
}

// SourceFor returns the source label for the image at index idx, falling
// back to the generic label when sources are absent or misaligned.
func (m *StagedMessage) SourceFor(idx int) string {
	if len(m.Sources) == len(m.Images) && idx < len(m.Sources) {
		return m.Sources[idx]
	}
	return GenericImageSource
}
