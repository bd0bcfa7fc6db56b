// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"encoding/json"
	"reflect"
)

// JsonContentType is the MIME type used for JSON message content.
const (
	JsonContentType = "application/json"
)

type (
	// Serializer turns messages into payload bytes and back.
	Serializer interface {
		Serialize(msg any) ([]byte, error)
		Deserialize(data []byte, target any) error
		ContentType() string
	}

	// TypeNameSerializer maps a Go type to the stable tag carried in the
	// AMQP type property and used by message handlers for the type check.
	TypeNameSerializer interface {
		Serialize(t reflect.Type) string
	}

	jsonSerializer struct{}

	goTypeNameSerializer struct{}
)

// JSONSerializer returns the default serializer.
func JSONSerializer() Serializer {
	return jsonSerializer{}
}

func (jsonSerializer) Serialize(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonSerializer) Deserialize(data []byte, target any) error {
	return json.Unmarshal(data, target)
}

func (jsonSerializer) ContentType() string {
	return JsonContentType
}

// GoTypeNameSerializer tags messages with their package-qualified Go type
// name, pointers dereferenced, so *orders.Order and orders.Order share a tag.
func GoTypeNameSerializer() TypeNameSerializer {
	return goTypeNameSerializer{}
}

func (goTypeNameSerializer) Serialize(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.String()
}

// TypeNameOf returns the tag of msg's dynamic type.
func TypeNameOf(serializer TypeNameSerializer, msg any) string {
	return serializer.Serialize(reflect.TypeOf(msg))
}
