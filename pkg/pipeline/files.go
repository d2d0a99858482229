package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// stringList accepts either a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = stringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected a path or a list of paths: %w", err)
	}
	*s = list
	return nil
}

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*s = stringList{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return fmt.Errorf("line %d: expected a path or a list of paths: %w", value.Line, err)
	}
	*s = list
	return nil
}

// FileMapping is one destination and the sources it is built from.
type FileMapping struct {
	Src  []string `json:"src" yaml:"src"`
	Dest string   `json:"dest" yaml:"dest"`
}

// FileList is the "files" section of a target. It is written either as a
// mapping of destination to sources or as a list of {src, dest} objects;
// in both forms the declared order is kept.
type FileList []FileMapping

// UnmarshalJSON implements json.Unmarshaler.
func (f *FileList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		var list []struct {
			Src  stringList `json:"src"`
			Dest string     `json:"dest"`
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("files: %w", err)
		}
		out := make(FileList, 0, len(list))
		for _, m := range list {
			out = append(out, FileMapping{Src: m.Src, Dest: m.Dest})
		}
		*f = out
		return nil
	}

	// Decode the object token by token so destinations keep their order.
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("files: %w", err)
	}
	var out FileList
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("files: %w", err)
		}
		dest, _ := tok.(string)
		var src stringList
		if err = dec.Decode(&src); err != nil {
			return fmt.Errorf("files[%q]: %w", dest, err)
		}
		out = append(out, FileMapping{Src: src, Dest: dest})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("files: %w", err)
	}
	*f = out
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FileList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		out := make(FileList, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			var src stringList
			if err := value.Content[i+1].Decode(&src); err != nil {
				return err
			}
			out = append(out, FileMapping{Src: src, Dest: value.Content[i].Value})
		}
		*f = out
		return nil
	case yaml.SequenceNode:
		var list []struct {
			Src  stringList `yaml:"src"`
			Dest string     `yaml:"dest"`
		}
		if err := value.Decode(&list); err != nil {
			return err
		}
		out := make(FileList, 0, len(list))
		for _, m := range list {
			out = append(out, FileMapping{Src: m.Src, Dest: m.Dest})
		}
		*f = out
		return nil
	default:
		return fmt.Errorf("line %d: files must be a mapping or a list", value.Line)
	}
}
