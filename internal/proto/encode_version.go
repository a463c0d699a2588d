package proto

import "github.com/pkg/errors"

// A version is written as a run of JSON-ignorable whitespace. JSON allows
// four whitespace characters, so each one carries a crumb (two bits),
// least significant crumb first. Version 0 is the empty string.

var crumbChars = [4]byte{' ', '\t', '\r', '\n'}

// maxVersionLen is the number of crumbs in a uint32.
const maxVersionLen = 16

func encodeVersion(version uint32) []byte {
	var out []byte
	for ; version > 0; version >>= 2 {
		out = append(out, crumbChars[version&0x3])
	}
	return out
}

func decodeVersion(data []byte) (uint32, error) {
	if len(data) > maxVersionLen {
		return 0, errors.Errorf("version prefix of %d characters overflows", len(data))
	}
	var version uint32
	for i := len(data) - 1; i >= 0; i-- {
		crumb, err := decodeCrumb(data[i])
		if err != nil {
			return 0, err
		}
		version = version<<2 | uint32(crumb)
	}
	return version, nil
}

func decodeCrumb(char byte) (byte, error) {
	for crumb, c := range crumbChars {
		if c == char {
			return byte(crumb), nil
		}
	}
	return 0, errors.Errorf("%q is not a whitespace encoding of a crumb", char)
}

func isJSONIgnorableWhitespace(char byte) bool {
	return char == ' ' || char == '\t' || char == '\r' || char == '\n'
}
