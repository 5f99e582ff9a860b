package onnx

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cyclopcam/classifier/pkg/nn"
)

// Field numbers from onnx.proto. We only decode the handful of fields that
// describe graph structure, and skip everything else (notably the weights).
const (
	modelGraph = 7

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5

	nodeName   = 3
	nodeOpType = 4
	nodeDomain = 7

	tensorExternalData = 13
	tensorDataLocation = 14

	entryKey   = 1
	entryValue = 2

	dataLocationExternal = 1
)

// Domains whose operators are implemented by ONNX Runtime itself
var builtinDomains = map[string]bool{
	"":                           true,
	"ai.onnx":                    true,
	"ai.onnx.ml":                 true,
	"ai.onnx.training":           true,
	"ai.onnx.preview.training":   true,
	"com.microsoft":              true,
	"com.microsoft.nchwc":        true,
	"com.microsoft.experimental": true,
	"com.ms.internal.nhwc":       true,
}

// Return true if ONNX Runtime has kernels for the operator domain without any extension library
func IsBuiltinDomain(domain string) bool {
	return builtinDomains[domain]
}

type graphInfo struct {
	Name         string
	Layers       []nn.Layer
	ExternalData []string // Files referenced by initializers stored outside the model file
}

// field is one decoded field of a serialized message
type field struct {
	Num    protowire.Number
	Type   protowire.Type
	Bytes  []byte // Payload of length-delimited fields
	Varint uint64 // Value of varint fields
}

// walk calls fn for each field of a serialized message
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{Num: num, Type: typ}
		switch typ {
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		if err := fn(f); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// readGraph extracts the node list and external data references from a serialized ModelProto
func readGraph(model []byte) (*graphInfo, error) {
	info := &graphInfo{}
	foundGraph := false
	err := walk(model, func(f field) error {
		if f.Num != modelGraph || f.Type != protowire.BytesType {
			return nil
		}
		foundGraph = true
		return readGraphProto(f.Bytes, info)
	})
	if err != nil {
		return nil, fmt.Errorf("Invalid ONNX model: %w", err)
	}
	if !foundGraph {
		return nil, errors.New("Invalid ONNX model: no graph")
	}
	return info, nil
}

func readGraphProto(b []byte, info *graphInfo) error {
	seen := map[string]bool{}
	for _, l := range info.Layers {
		seen[l.Name] = true
	}
	return walk(b, func(f field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case graphName:
			info.Name = string(f.Bytes)
		case graphNode:
			layer, err := readNode(f.Bytes)
			if err != nil {
				return err
			}
			// Node names are optional in ONNX, but layers need a unique name
			if layer.Name == "" || seen[layer.Name] {
				layer.Name = fmt.Sprintf("%v_%v", layer.Type, len(info.Layers))
			}
			seen[layer.Name] = true
			info.Layers = append(info.Layers, layer)
		case graphInitializer:
			location, err := readExternalLocation(f.Bytes)
			if err != nil {
				return err
			}
			if location != "" {
				info.ExternalData = appendUnique(info.ExternalData, location)
			}
		}
		return nil
	})
}

func readNode(b []byte) (nn.Layer, error) {
	layer := nn.Layer{}
	err := walk(b, func(f field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case nodeName:
			layer.Name = string(f.Bytes)
		case nodeOpType:
			layer.Type = string(f.Bytes)
		case nodeDomain:
			layer.Domain = string(f.Bytes)
		}
		return nil
	})
	return layer, err
}

// Return the "location" of an initializer whose data lives outside the model, or an empty string
func readExternalLocation(b []byte) (string, error) {
	external := false
	location := ""
	err := walk(b, func(f field) error {
		switch {
		case f.Num == tensorDataLocation && f.Type == protowire.VarintType:
			external = f.Varint == dataLocationExternal
		case f.Num == tensorExternalData && f.Type == protowire.BytesType:
			key, value, err := readEntry(f.Bytes)
			if err != nil {
				return err
			}
			if key == "location" {
				location = value
			}
		}
		return nil
	})
	if err != nil || !external {
		return "", err
	}
	return location, nil
}

func readEntry(b []byte) (key, value string, err error) {
	err = walk(b, func(f field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case entryKey:
			key = string(f.Bytes)
		case entryValue:
			value = string(f.Bytes)
		}
		return nil
	})
	return
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
