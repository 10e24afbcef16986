package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagedMessageWireFormat(t *testing.T) {
	msg := StagedMessage{
		Timestamp: "2026-08-24T10:00:00Z",
		Text:      "hello",
		Images: []ImageRef{
			PendingRef("id-1", "shot.png"),
			RemoteRef("files/abc", "abc", "2026-08-24T10:00:01Z"),
		},
		Sources:    []string{"Chrome", "Slack"},
		AudioCount: 2,
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "2026-08-24T10:00:00Z", wire["timestamp"])
	assert.Equal(t, "hello", wire["message"])
	assert.Equal(t, []any{"Chrome", "Slack"}, wire["sources"])
	assert.Equal(t, map[string]any{"count": float64(2)}, wire["audio_segments"])
	assert.NotContains(t, wire, "delete_after_upload")

	images, ok := wire["image_uris"].([]any)
	require.True(t, ok)
	require.Len(t, images, 2)
	first := images[0].(map[string]any)
	assert.Equal(t, "pending", first["type"])
	assert.Equal(t, "id-1", first["upload_uuid"])
	assert.Equal(t, "shot.png", first["filename"])

	var decoded StagedMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestStagedMessageEmptyFieldsAreNull(t *testing.T) {
	msg := StagedMessage{Timestamp: "2026-08-24T10:00:00Z"}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Nil(t, wire["image_uris"])
	assert.Nil(t, wire["sources"])
	assert.Nil(t, wire["audio_segments"])
	assert.Nil(t, wire["message"])
}

func TestHasPendingImage(t *testing.T) {
	msg := StagedMessage{Images: []ImageRef{LocalRef("/tmp/a.png")}}
	assert.False(t, msg.HasPendingImage())

	msg.Images = append(msg.Images, PendingRef("id-1", "b.png"))
	assert.True(t, msg.HasPendingImage())
}

func TestSourceFor(t *testing.T) {
	msg := StagedMessage{
		Images:  []ImageRef{LocalRef("/a"), LocalRef("/b")},
		Sources: []string{"Chrome", "Slack"},
	}
	assert.Equal(t, "Chrome", msg.SourceFor(0))
	assert.Equal(t, "Slack", msg.SourceFor(1))

	// Misaligned sources fall back to the generic label for every image.
	msg.Sources = []string{"Chrome"}
	assert.Equal(t, GenericImageSource, msg.SourceFor(0))
	assert.Equal(t, GenericImageSource, msg.SourceFor(1))

	msg.Sources = nil
	assert.Equal(t, GenericImageSource, msg.SourceFor(0))
}

func TestImageRefUnknownType(t *testing.T) {
	var ref ImageRef
	err := json.Unmarshal([]byte(`{"type":"carrier_pigeon"}`), &ref)
	assert.Error(t, err)
}

func TestConversationPairWireFormat(t *testing.T) {
	pair := ConversationPair{User: "hi", Assistant: "hello"}

	data, err := json.Marshal(pair)
	require.NoError(t, err)
	assert.JSONEq(t,
		`[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`,
		string(data))

	var decoded ConversationPair
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, pair, decoded)
}

func TestConversationPairReorderedDecode(t *testing.T) {
	var pair ConversationPair
	err := json.Unmarshal(
		[]byte(`[{"role":"assistant","content":"hello"},{"role":"user","content":"hi"}]`),
		&pair)
	require.NoError(t, err)
	assert.Equal(t, ConversationPair{User: "hi", Assistant: "hello"}, pair)
}

func TestUploadStatusRemoteRef(t *testing.T) {
	status := UploadStatus{
		State: UploadStateCompleted,
		Result: &UploadResult{
			Type:       UploadResultTypeGoogleCloud,
			URI:        "files/abc",
			Name:       "abc",
			CreateTime: "2026-08-24T10:00:00Z",
		},
	}
	ref, ok := status.RemoteRef()
	require.True(t, ok)
	assert.Equal(t, RemoteRef("files/abc", "abc", "2026-08-24T10:00:00Z"), ref)

	status.State = UploadStateFailed
	_, ok = status.RemoteRef()
	assert.False(t, ok)

	status.State = UploadStateCompleted
	status.Result = nil
	_, ok = status.RemoteRef()
	assert.False(t, ok)
}

func TestUploadStateTerminal(t *testing.T) {
	assert.False(t, UploadStatePending.Terminal())
	assert.True(t, UploadStateCompleted.Terminal())
	assert.True(t, UploadStateFailed.Terminal())
	assert.True(t, UploadStateUnknown.Terminal())
}
