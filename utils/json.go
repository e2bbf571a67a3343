package utils

import (
	"io"

	gojson "github.com/goccy/go-json"
)

func MarshalJSON(val any) ([]byte, error) {
	return gojson.MarshalWithOption(val, gojson.DisableHTMLEscape())
}

func MarshalJSONIndent(val any, indent string) ([]byte, error) {
	return gojson.MarshalIndentWithOption(val, "", indent, gojson.DisableHTMLEscape())
}

func UnmarshalJSON(data []byte, val any) error {
	return gojson.UnmarshalWithOption(data, val, gojson.DecodeFieldPriorityFirstWin())
}

func NewJSONEncoder(writer io.Writer) *gojson.Encoder {
	encoder := gojson.NewEncoder(writer)
	encoder.SetEscapeHTML(false)
	return encoder
}

func NewJSONDecoder(reader io.Reader) *gojson.Decoder {
	return gojson.NewDecoder(reader)
}
