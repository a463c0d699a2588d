package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// MaxBlobLen bounds the size of a single blob, so that a corrupt length
// prefix cannot make a reader allocate unbounded memory.
const MaxBlobLen = 1 << 20

// WriteVersionedJSONBlob writes obj as a length-prefixed JSON blob, with
// version encoded as whitespace in front of the JSON. It is read with
// ReadVersionedJSONBlob.
func WriteVersionedJSONBlob(dst io.Writer, obj interface{}, version uint32) error {
	var blob bytes.Buffer
	blob.Write(encodeVersion(version))
	if err := json.NewEncoder(&blob).Encode(obj); err != nil {
		return errors.Wrap(err, "could not encode json")
	}
	if blob.Len() > MaxBlobLen {
		return errors.Errorf("json blob of %d bytes exceeds the limit of %d", blob.Len(), MaxBlobLen)
	}

	// a single write, so concurrent writers of whole blobs cannot interleave
	out := make([]byte, 4, 4+blob.Len())
	binary.BigEndian.PutUint32(out, uint32(blob.Len()))
	out = append(out, blob.Bytes()...)
	if _, err := dst.Write(out); err != nil {
		return errors.Wrap(err, "could not write json blob")
	}
	return nil
}

// ReadVersionedJSONBlob reads a blob written by WriteVersionedJSONBlob into
// obj and returns the version it was written with.
func ReadVersionedJSONBlob(src io.Reader, obj interface{}) (uint32, error) {
	var blobLen uint32
	if err := binary.Read(src, binary.BigEndian, &blobLen); err != nil {
		if err == io.EOF {
			return 0, err
		}
		return 0, errors.Wrap(err, "protocol error: could not read length of json")
	}
	if blobLen > MaxBlobLen {
		return 0, errors.Errorf("protocol error: json blob of %d bytes exceeds the limit of %d", blobLen, MaxBlobLen)
	}

	// read the whole blob first; json.Decoder would buffer past its end
	data := make([]byte, blobLen)
	if _, err := io.ReadFull(src, data); err != nil {
		return 0, errors.Wrapf(err, "unable to read json blob of length %d", blobLen)
	}
	prefixLen := 0
	for prefixLen < len(data) && isJSONIgnorableWhitespace(data[prefixLen]) {
		prefixLen++
	}
	version, err := decodeVersion(data[:prefixLen])
	if err != nil {
		return 0, errors.Wrap(err, "could not determine version from prefix")
	}

	if err := json.Unmarshal(data, obj); err != nil {
		return 0, errors.Wrap(err, "could not decode json blob")
	}
	return version, nil
}
