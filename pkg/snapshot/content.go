package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// PartType discriminates message content parts.
type PartType string

const (
	PartOutputText PartType = "output_text"
	PartRefusal    PartType = "refusal"
	PartImage      PartType = "image"
	PartAudio      PartType = "audio"
	PartFile       PartType = "file"
)

// ContentPart is one slot of a message's content list.
type ContentPart interface {
	PartType() PartType
	Clone() ContentPart
	isPart()
}

// OutputText is streamed text. Text accumulates deltas in arrival order and
// Annotations is index-addressed.
type OutputText struct {
	Text        string       `json:"text"`
	Annotations []Annotation `json:"annotations"`
}

func (*OutputText) PartType() PartType { return PartOutputText }
func (*OutputText) isPart()            {}

func (p *OutputText) Clone() ContentPart {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Annotations = append([]Annotation(nil), p.Annotations...)
	return &cp
}

func (p OutputText) MarshalJSON() ([]byte, error) {
	type alias OutputText
	if p.Annotations == nil {
		p.Annotations = []Annotation{}
	}
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartOutputText, alias(p)})
}

// Refusal carries the model's refusal text, accumulated like OutputText.
type Refusal struct {
	Refusal string `json:"refusal"`
}

func (*Refusal) PartType() PartType { return PartRefusal }
func (*Refusal) isPart()            {}

func (p *Refusal) Clone() ContentPart {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (p Refusal) MarshalJSON() ([]byte, error) {
	type alias Refusal
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartRefusal, alias(p)})
}

// Image references generated or attached image content.
type Image struct {
	ImageURL string `json:"image_url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (*Image) PartType() PartType { return PartImage }
func (*Image) isPart()            {}

func (p *Image) Clone() ContentPart {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (p Image) MarshalJSON() ([]byte, error) {
	type alias Image
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartImage, alias(p)})
}

// Audio carries base64 audio and its transcript.
type Audio struct {
	Data       string `json:"data,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Format     string `json:"format,omitempty"`
}

func (*Audio) PartType() PartType { return PartAudio }
func (*Audio) isPart()            {}

func (p *Audio) Clone() ContentPart {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (p Audio) MarshalJSON() ([]byte, error) {
	type alias Audio
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartAudio, alias(p)})
}

// File references an uploaded or generated file.
type File struct {
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

func (*File) PartType() PartType { return PartFile }
func (*File) isPart()            {}

func (p *File) Clone() ContentPart {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (p File) MarshalJSON() ([]byte, error) {
	type alias File
	return json.Marshal(struct {
		Type PartType `json:"type"`
		alias
	}{PartFile, alias(p)})
}

// UnknownPart preserves content part types this package does not model,
// such as reasoning text, so newer servers do not break decoding.
type UnknownPart struct {
	Type string
	Raw  json.RawMessage
}

func (u *UnknownPart) PartType() PartType { return PartType(u.Type) }
func (*UnknownPart) isPart()              {}

func (u *UnknownPart) Clone() ContentPart {
	if u == nil {
		return nil
	}
	cp := *u
	cp.Raw = cloneRaw(u.Raw)
	return &cp
}

func (u UnknownPart) MarshalJSON() ([]byte, error) {
	if len(u.Raw) > 0 {
		return u.Raw, nil
	}
	return json.Marshal(map[string]string{"type": u.Type})
}

// AnnotationType discriminates text annotations.
type AnnotationType string

const (
	AnnotationFileCitation          AnnotationType = "file_citation"
	AnnotationURLCitation           AnnotationType = "url_citation"
	AnnotationFilePath              AnnotationType = "file_path"
	AnnotationContainerFileCitation AnnotationType = "container_file_citation"
)

// Annotation marks a citation or file reference inside an OutputText. The
// zero value is an unfilled slot.
type Annotation struct {
	Type       AnnotationType `json:"type"`
	Index      int            `json:"index,omitempty"`
	FileID     string         `json:"file_id,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	URL        string         `json:"url,omitempty"`
	Title      string         `json:"title,omitempty"`
	StartIndex int            `json:"start_index,omitempty"`
	EndIndex   int            `json:"end_index,omitempty"`
}

// UnmarshalPart decodes a JSON object into a concrete ContentPart. A JSON
// null decodes to a nil placeholder.
func UnmarshalPart(data []byte) (ContentPart, error) {
	if isNull(data) {
		return nil, nil
	}
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var part ContentPart
	switch raw.Type {
	case "output_text", "text":
		part = &OutputText{}
	case "refusal":
		part = &Refusal{}
	case "image", "output_image", "input_image":
		part = &Image{}
	case "audio", "output_audio", "input_audio":
		part = &Audio{}
	case "file", "input_file":
		part = &File{}
	case "":
		return nil, errors.New("snapshot: content part has no type")
	default:
		return &UnknownPart{Type: raw.Type, Raw: cloneRaw(data)}, nil
	}
	if err := json.Unmarshal(data, part); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s part: %w", raw.Type, err)
	}
	return part, nil
}

// NewPart returns an empty part of the given wire type.
func NewPart(partType string) (ContentPart, error) {
	return UnmarshalPart([]byte(fmt.Sprintf(`{"type":%q}`, partType)))
}

func unmarshalParts(raw []json.RawMessage) ([]ContentPart, error) {
	if raw == nil {
		return nil, nil
	}
	parts := make([]ContentPart, 0, len(raw))
	for i, r := range raw {
		p, err := UnmarshalPart(r)
		if err != nil {
			return nil, fmt.Errorf("content[%d]: %w", i, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func cloneParts(parts []ContentPart) []ContentPart {
	if parts == nil {
		return nil
	}
	out := make([]ContentPart, len(parts))
	for i, p := range parts {
		if p != nil {
			out[i] = p.Clone()
		}
	}
	return out
}

func isNull(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
