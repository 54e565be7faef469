// Package keycodec converts keys and values between the two wire encodings
// a byte string may arrive in.
package keycodec

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// Encoding tags accepted at the API boundary. An empty tag means UTF8.
const (
	UTF8   = "utf8"
	Base64 = "base64"
)

// EncodedValue is a byte string tagged with how Value encodes it.
type EncodedValue struct {
	Encoding string `json:"encoding,omitempty"`
	Value    string `json:"value"`
}

// RequireUtf8OrBase64 fails with InvalidEncodingError for unknown tags.
func RequireUtf8OrBase64(encoding string) error {
	switch encoding {
	case "", UTF8, Base64:
		return nil
	default:
		return storeerr.New(storeerr.KindInvalidEncoding, "unsupported encoding %q", encoding)
	}
}

// Bytes returns the decoded byte sequence of v.
func Bytes(v EncodedValue) ([]byte, error) {
	if err := RequireUtf8OrBase64(v.Encoding); err != nil {
		return nil, err
	}
	if v.Encoding != Base64 {
		return []byte(v.Value), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(v.Value)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInvalidEncoding, err, "decode base64")
	}
	return decoded, nil
}

// ToCanonicalText returns the UTF-8 text v represents. Base64 payloads that
// do not decode to valid UTF-8 are rejected.
func ToCanonicalText(v EncodedValue) (string, error) {
	if err := RequireUtf8OrBase64(v.Encoding); err != nil {
		return "", err
	}
	if v.Encoding != Base64 {
		return v.Value, nil
	}
	decoded, err := Bytes(v)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(decoded) {
		return "", storeerr.New(storeerr.KindInvalidEncoding, "base64 payload is not valid utf8 text")
	}
	return string(decoded), nil
}

// ToBase64 re-encodes v as base64. Already-base64 input is returned as is.
func ToBase64(v EncodedValue) (EncodedValue, error) {
	if err := RequireUtf8OrBase64(v.Encoding); err != nil {
		return EncodedValue{}, err
	}
	if v.Encoding == Base64 {
		return v, nil
	}
	return EncodedValue{Encoding: Base64, Value: base64.StdEncoding.EncodeToString([]byte(v.Value))}, nil
}

// FromText wraps s as utf8 when it is valid UTF-8, else as base64.
func FromText(s string) EncodedValue {
	if utf8.ValidString(s) {
		return EncodedValue{Encoding: UTF8, Value: s}
	}
	return EncodedValue{Encoding: Base64, Value: base64.StdEncoding.EncodeToString([]byte(s))}
}

// Equal reports whether a and b decode to the same bytes. Values that fail
// to decode are never equal.
func Equal(a, b EncodedValue) bool {
	ab, err := Bytes(a)
	if err != nil {
		return false
	}
	bb, err := Bytes(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
