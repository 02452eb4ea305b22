// Package jsoncodec centralises JSON encoding for the relay. It uses sonic in
// its stdlib-compatible configuration so change events round-trip exactly as
// the capture tool published them.
package jsoncodec

import "github.com/bytedance/sonic"

var api = sonic.ConfigStd

// Marshal renders v as compact JSON.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal parses data into v. Invalid syntax is an error; the relay treats
// such payloads as unprocessable.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}
