package proto

import (
	"io"

	"github.com/pkg/errors"
)

// Frame is a control message on the wire. Which fields are meaningful
// depends on Type; unused fields are omitted.
type Frame struct {
	Type uint8  `json:"type"`
	Xid  uint32 `json:"xid"`

	// role request / reply, nicira role request / reply
	Role         uint32 `json:"role,omitempty"`
	GenerationID uint64 `json:"generation_id,omitempty"`

	// experimenter
	Experimenter uint32 `json:"experimenter,omitempty"`
	Subtype      uint32 `json:"subtype,omitempty"`

	// error
	ErrType uint16 `json:"err_type,omitempty"`
	Code    uint16 `json:"code,omitempty"`

	// features reply
	Dpid        uint64 `json:"dpid,omitempty"`
	NiciraRoles bool   `json:"nicira_roles,omitempty"`

	Body []byte `json:"body,omitempty"`
}

// WriteFrame writes f, tagged with version.
func WriteFrame(dst io.Writer, version uint8, f *Frame) error {
	if version == 0 {
		return errors.New("frame version must not be zero")
	}
	return WriteVersionedJSONBlob(dst, f, uint32(version))
}

// ReadFrame reads one frame and the version it was tagged with.
func ReadFrame(src io.Reader) (uint8, *Frame, error) {
	var f Frame
	version, err := ReadVersionedJSONBlob(src, &f)
	if err != nil {
		return 0, nil, err
	}
	if version == 0 || version > 0xff {
		return 0, nil, errors.Errorf("protocol error: invalid frame version %d", version)
	}
	return uint8(version), &f, nil
}
