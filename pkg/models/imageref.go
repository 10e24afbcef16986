package models

import (
	"encoding/json"
	"fmt"
)

// ImageKind discriminates the three image reference variants.
type ImageKind string

// Image reference kinds. Values double as the wire "type" tag.
const (
	ImageKindPending ImageKind = "pending"
	ImageKindRemote  ImageKind = "google_cloud_file"
	ImageKindLocal   ImageKind = "local_file"
)

// ImageRef is a tagged reference to one image attached to a staged message.
//
// Producers may enqueue any variant. During absorption every Pending ref is
// resolved to Remote (upload completed) or dropped (failed/unknown) before
// the owning message is considered ready.
type ImageRef struct {
	Kind ImageKind

	// Pending: an out-of-band upload identified by UploadID.
	UploadID string
	Filename string

	// Remote: already uploaded, referenceable by URI.
	URI        string
	Name       string
	CreateTime string

	// Local: a small file consumable by in-process encoding.
	Path string
}

// PendingRef builds a Pending image reference.
func PendingRef(uploadID, filename string) ImageRef {
	return ImageRef{Kind: ImageKindPending, UploadID: uploadID, Filename: filename}
}

// RemoteRef builds a Remote image reference.
func RemoteRef(uri, name, createTime string) ImageRef {
	return ImageRef{Kind: ImageKindRemote, URI: uri, Name: name, CreateTime: createTime}
}

// LocalRef builds a Local image reference.
func LocalRef(path string) ImageRef {
	return ImageRef{Kind: ImageKindLocal, Path: path}
}

// imageRefWire is the tagged JSON form shared with other replicas.
type imageRefWire struct {
	Type       string `json:"type"`
	UploadUUID string `json:"upload_uuid,omitempty"`
	Filename   string `json:"filename,omitempty"`
	URI        string `json:"uri,omitempty"`
	Name       string `json:"name,omitempty"`
	CreateTime string `json:"create_time,omitempty"`
	Path       string `json:"path,omitempty"`
}

// MarshalJSON emits the tagged wire form.
func (r ImageRef) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ImageKindPending:
		return json.Marshal(imageRefWire{Type: string(ImageKindPending), UploadUUID: r.UploadID, Filename: r.Filename})
	case ImageKindRemote:
		return json.Marshal(imageRefWire{Type: string(ImageKindRemote), URI: r.URI, Name: r.Name, CreateTime: r.CreateTime})
	case ImageKindLocal:
		return json.Marshal(imageRefWire{Type: string(ImageKindLocal), Path: r.Path})
	default:
		return nil, fmt.Errorf("image ref: unknown kind %q", r.Kind)
	}
}

// UnmarshalJSON parses the tagged wire form.
func (r *ImageRef) UnmarshalJSON(data []byte) error {
	var w imageRefWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch ImageKind(w.Type) {
	case ImageKindPending:
		*r = PendingRef(w.UploadUUID, w.Filename)
	case ImageKindRemote:
		*r = RemoteRef(w.URI, w.Name, w.CreateTime)
	case ImageKindLocal:
		*r = LocalRef(w.Path)
	default:
		return fmt.Errorf("image ref: unknown type %q", w.Type)
	}
	return nil
}
