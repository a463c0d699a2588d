package mastership

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Role is the role a controller node plays for a single switch.
type Role int32

const (
	// RoleNone is the role of a connection that has not negotiated anything
	// yet.
	RoleNone Role = iota
	// RoleMaster grants exclusive write access to the switch.
	RoleMaster
	// RoleEqual grants full access, but is treated as read-only by this
	// package: an EQUAL node never writes master-only traffic.
	RoleEqual
	// RoleSlave is read-only access.
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "NONE"
	case RoleMaster:
		return "MASTER"
	case RoleEqual:
		return "EQUAL"
	case RoleSlave:
		return "SLAVE"
	default:
		return fmt.Sprintf("Role(%d)", int32(r))
	}
}

// ParseRole parses the output of Role.String, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(s) {
	case "MASTER":
		return RoleMaster, nil
	case "EQUAL":
		return RoleEqual, nil
	case "SLAVE":
		return RoleSlave, nil
	}
	return RoleNone, errors.Errorf("unknown role %q", s)
}

// Dpid identifies a switch.
type Dpid uint64

// String formats the dpid as eight colon-separated hex octets, the way
// switches usually print it.
func (d Dpid) String() string {
	var b strings.Builder
	for i := 7; i >= 0; i-- {
		fmt.Fprintf(&b, "%02x", byte(uint64(d)>>(uint(i)*8)))
		if i > 0 {
			b.WriteByte(':')
		}
	}
	return b.String()
}

// ParseDpid accepts both the colon-separated form and a plain hex number.
func ParseDpid(s string) (Dpid, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, ":", ""), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid dpid %q", s)
	}
	return Dpid(v), nil
}

// RoleRecvStatus classifies the outcome of delivering a role reply or an
// error to the role handler.
type RoleRecvStatus int

const (
	// StatusUnsupported means the switch rejected role messages as a request
	// type it does not understand.
	StatusUnsupported RoleRecvStatus = iota
	// StatusNoReply means the pending request timed out.
	StatusNoReply
	// StatusOldReply means the reply belongs to a superseded request.
	StatusOldReply
	// StatusMatchedCurrentRole confirms a reassertion of the current role.
	StatusMatchedCurrentRole
	// StatusMatchedSetRole confirms a newly commanded role.
	StatusMatchedSetRole
	// StatusReplyQuery answers a role query.
	StatusReplyQuery
	// StatusOtherExpectation means there was no context to match against.
	StatusOtherExpectation
)

func (s RoleRecvStatus) String() string {
	switch s {
	case StatusUnsupported:
		return "UNSUPPORTED"
	case StatusNoReply:
		return "NO_REPLY"
	case StatusOldReply:
		return "OLD_REPLY"
	case StatusMatchedCurrentRole:
		return "MATCHED_CURRENT_ROLE"
	case StatusMatchedSetRole:
		return "MATCHED_SET_ROLE"
	case StatusReplyQuery:
		return "REPLY_QUERY"
	case StatusOtherExpectation:
		return "OTHER_EXPECTATION"
	default:
		return fmt.Sprintf("RoleRecvStatus(%d)", int(s))
	}
}

// expectation records why a role request was sent, and therefore which
// success status a matching reply produces.
type expectation int

const (
	expectReassert expectation = iota
	expectSet
	expectQuery
)

func (e expectation) String() string {
	switch e {
	case expectReassert:
		return "reassert"
	case expectSet:
		return "set"
	case expectQuery:
		return "query"
	default:
		return fmt.Sprintf("expectation(%d)", int(e))
	}
}

func (e expectation) matchedStatus() RoleRecvStatus {
	switch e {
	case expectReassert:
		return StatusMatchedCurrentRole
	case expectSet:
		return StatusMatchedSetRole
	case expectQuery:
		return StatusReplyQuery
	}
	panic(fmt.Sprintf("BUG: unknown expectation %d", int(e)))
}
