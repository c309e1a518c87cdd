package labels

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"gopkg.in/yaml.v3"
)

// Load reads a label map, choosing the parser from the file extension:
//   - .pbtxt, .pbtext: TensorFlow StringIntLabelMap text format
//   - .yaml, .yml, .json: a list of {id, name, display_name} entries,
//     optionally under an "items" key
//   - .txt: one name per non-empty line, ids counting from 1
//
// A path of the form "builtin:<name>" returns a compiled-in set instead.
//
// Arguments:
//   - path: Path to the label map.
//
// Returns:
//   - *CategoryIndex: The parsed index.
//   - error: If the file cannot be read, or ErrMalformedLabelMap.
func Load(path string) (*CategoryIndex, error) {
	if name, ok := strings.CutPrefix(path, BuiltinPrefix); ok {
		return Builtin(name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read label map %s", path)
	}

	var categories []Category
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pbtxt", ".pbtext":
		categories, err = ParsePbtxt(data)
	case ".yaml", ".yml", ".json":
		categories, err = ParseYAML(data)
	case ".txt":
		categories, err = ParseText(data)
	default:
		return nil, errors.Wrapf(ErrMalformedLabelMap, "unsupported label map extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "label map %s", path)
	}

	idx, err := NewCategoryIndex(categories)
	if err != nil {
		return nil, errors.Wrapf(err, "label map %s", path)
	}
	return idx, nil
}

var (
	labelMapDesc protoreflect.MessageDescriptor
	itemName     protoreflect.FieldDescriptor
	itemID       protoreflect.FieldDescriptor
	itemDisplay  protoreflect.FieldDescriptor
	mapItems     protoreflect.FieldDescriptor
)

func init() {
	file, err := protodesc.NewFile(stringIntLabelMapFile(), new(protoregistry.Files))
	if err != nil {
		panic(errors.Wrap(err, "string int label map descriptor"))
	}
	item := file.Messages().ByName("StringIntLabelMapItem")
	itemName = item.Fields().ByName("name")
	itemID = item.Fields().ByName("id")
	itemDisplay = item.Fields().ByName("display_name")

	labelMapDesc = file.Messages().ByName("StringIntLabelMap")
	mapItems = labelMapDesc.Fields().ByName("item")
}

// stringIntLabelMapFile describes the subset of object_detection.protos
// StringIntLabelMap read here. Other item fields (keypoints, frequency)
// are discarded while parsing.
func stringIntLabelMapFile() *descriptorpb.FileDescriptorProto {
	optional := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("object_detection/protos/string_int_label_map.proto"),
		Package: proto.String("object_detection.protos"),
		Syntax:  proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("StringIntLabelMapItem"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: proto.String("name"), Number: proto.Int32(1), Label: optional, Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()},
					{Name: proto.String("id"), Number: proto.Int32(2), Label: optional, Type: descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum()},
					{Name: proto.String("display_name"), Number: proto.Int32(3), Label: optional, Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()},
				},
			},
			{
				Name: proto.String("StringIntLabelMap"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{
						Name:     proto.String("item"),
						Number:   proto.Int32(1),
						Label:    descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
						Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
						TypeName: proto.String(".object_detection.protos.StringIntLabelMapItem"),
					},
				},
			},
		},
	}
}

// ParsePbtxt parses a TensorFlow object detection label map:
//
//	item {
//	  id: 1
//	  name: 'cat'
//	  display_name: 'Cat'
//	}
func ParsePbtxt(data []byte) ([]Category, error) {
	msg := dynamicpb.NewMessage(labelMapDesc)
	if err := (prototext.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, msg); err != nil {
		return nil, errors.Wrapf(ErrMalformedLabelMap, "pbtxt: %v", err)
	}

	list := msg.Get(mapItems).List()
	out := make([]Category, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		item := list.Get(i).Message()
		if !item.Has(itemID) {
			return nil, errors.Wrapf(ErrMalformedLabelMap, "item %d has no id", i)
		}
		out = append(out, Category{
			ID:          int(item.Get(itemID).Int()),
			Name:        item.Get(itemName).String(),
			DisplayName: item.Get(itemDisplay).String(),
		})
	}
	return out, nil
}

// ParseYAML parses a YAML or JSON label map.
func ParseYAML(data []byte) ([]Category, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrMalformedLabelMap, "yaml: %v", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	var out []Category
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&out); err != nil {
			return nil, errors.Wrapf(ErrMalformedLabelMap, "yaml: %v", err)
		}
	case yaml.MappingNode:
		var wrapped struct {
			Items []Category `yaml:"items"`
		}
		if err := root.Decode(&wrapped); err != nil {
			return nil, errors.Wrapf(ErrMalformedLabelMap, "yaml: %v", err)
		}
		out = wrapped.Items
	default:
		return nil, errors.Wrap(ErrMalformedLabelMap, "yaml: expected a list or an items mapping")
	}
	return out, nil
}

// ParseText parses one label per line. Blank lines and lines starting with
// '#' are skipped and do not consume an id.
func ParseText(data []byte) ([]Category, error) {
	var out []Category
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, Category{ID: len(out) + 1, Name: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(ErrMalformedLabelMap, "text: %v", err)
	}
	return out, nil
}
