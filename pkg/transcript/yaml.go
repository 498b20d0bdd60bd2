package transcript

import (
	"encoding/json"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// segmentYAML is the YAML shadow of Segment. Tool inputs are raw JSON in
// memory; in YAML they appear as a structured node, not base64 bytes.
type segmentYAML struct {
	Index     int         `yaml:"index"`
	Kind      SegmentKind `yaml:"kind"`
	Text      string      `yaml:"text,omitempty"`
	ToolID    string      `yaml:"toolUseId,omitempty"`
	ToolName  string      `yaml:"toolName,omitempty"`
	ToolInput any         `yaml:"toolInput,omitempty"`
}

func (s Segment) MarshalYAML() (any, error) {
	out := segmentYAML{
		Index:    s.Index,
		Kind:     s.Kind,
		Text:     s.Text,
		ToolID:   s.ToolID,
		ToolName: s.ToolName,
	}
	if len(s.ToolInput) > 0 {
		var v any
		if err := json.Unmarshal(s.ToolInput, &v); err != nil {
			return nil, errors.Wrap(err, "decode tool input for yaml")
		}
		out.ToolInput = v
	}
	return out, nil
}

func (s *Segment) UnmarshalYAML(node *yaml.Node) error {
	var in segmentYAML
	if err := node.Decode(&in); err != nil {
		return err
	}
	s.Index = in.Index
	s.Kind = in.Kind
	s.Text = in.Text
	s.ToolID = in.ToolID
	s.ToolName = in.ToolName
	s.ToolInput = nil
	if in.ToolInput != nil {
		b, err := json.Marshal(in.ToolInput)
		if err != nil {
			return errors.Wrap(err, "encode tool input from yaml")
		}
		s.ToolInput = b
	}
	return nil
}

// EncodeTurnYAML serializes a sealed turn for archival storage.
func EncodeTurnYAML(t Turn) (string, error) {
	b, err := yaml.Marshal(t)
	if err != nil {
		return "", errors.Wrap(err, "marshal turn yaml")
	}
	return string(b), nil
}

// DecodeTurnYAML restores an archived turn.
func DecodeTurnYAML(payload string) (Turn, error) {
	var t Turn
	if err := yaml.Unmarshal([]byte(payload), &t); err != nil {
		return Turn{}, errors.Wrap(err, "unmarshal turn yaml")
	}
	return t, nil
}
