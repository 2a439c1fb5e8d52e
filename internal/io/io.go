package io

import (
	"fmt"
	"reflect"

	"github.com/davidroman0O/durablite/internal/types"
)

// ConvertForSerialization encodes one payload. A nil payload stays nil so
// that "no input" and "zero input" round-trip the same way.
func ConvertForSerialization(codec Codec, value interface{}) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	// just get the real one
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		value = rv.Elem().Interface()
	}

	data, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", value, err)
	}
	return data, nil
}

// ConvertInputFromSerialization decodes the recorded input of a handler
// into the value its parameter expects.
func ConvertInputFromSerialization(codec Codec, handlerInfo types.HandlerInfo, data []byte) (reflect.Value, error) {
	if !handlerInfo.HasInput() {
		return reflect.Value{}, nil
	}
	return decodeValue(codec, handlerInfo.ParamType, data)
}

// ConvertOutputFromSerialization decodes a recorded result into the type
// the handler returns.
func ConvertOutputFromSerialization(codec Codec, handlerInfo types.HandlerInfo, data []byte) (interface{}, error) {
	if !handlerInfo.HasOutput() {
		return nil, nil
	}
	value, err := decodeValue(codec, handlerInfo.ReturnType, data)
	if err != nil {
		return nil, err
	}
	return value.Interface(), nil
}

// ConvertToPointer decodes data into the value pointed to by target. Empty
// data leaves the target at its zero value.
func ConvertToPointer(codec Codec, data []byte, target interface{}) error {
	if target == nil {
		return nil
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("the output target is not a pointer: %T", target)
	}
	if len(data) == 0 {
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
		return nil
	}
	// Get the pointer of the type of the parameter that we target
	decodedObj := reflect.New(rv.Elem().Type())
	if err := codec.Unmarshal(data, decodedObj.Interface()); err != nil {
		return fmt.Errorf("failed to decode into %T: %w", target, err)
	}
	// assign the decoded value (like `bool`) to the pointer (like `*bool`)
	rv.Elem().Set(decodedObj.Elem())
	return nil
}

func decodeValue(codec Codec, typ reflect.Type, data []byte) (reflect.Value, error) {
	if len(data) == 0 {
		return reflect.Zero(typ), nil
	}
	decodedObj := reflect.New(typ)
	if err := codec.Unmarshal(data, decodedObj.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to decode %s: %w", typ, err)
	}
	return decodedObj.Elem(), nil
}
