package mastership

import "fmt"

// MessageType is the logical type of a control message. Values follow the
// OpenFlow 1.3 type numbering.
type MessageType uint8

const (
	TypeHello           MessageType = 0
	TypeError           MessageType = 1
	TypeEchoRequest     MessageType = 2
	TypeEchoReply       MessageType = 3
	TypeExperimenter    MessageType = 4
	TypeFeaturesRequest MessageType = 5
	TypeFeaturesReply   MessageType = 6
	TypePacketIn        MessageType = 10
	TypeFlowRemoved     MessageType = 11
	TypePortStatus      MessageType = 12
	TypePacketOut       MessageType = 13
	TypeFlowMod         MessageType = 14
	TypeGroupMod        MessageType = 15
	TypePortMod         MessageType = 16
	TypeStatsRequest    MessageType = 18
	TypeStatsReply      MessageType = 19
	TypeBarrierRequest  MessageType = 20
	TypeBarrierReply    MessageType = 21
	TypeRoleRequest     MessageType = 24
	TypeRoleReply       MessageType = 25
)

var messageTypeNames = map[MessageType]string{
	TypeHello:           "HELLO",
	TypeError:           "ERROR",
	TypeEchoRequest:     "ECHO_REQUEST",
	TypeEchoReply:       "ECHO_REPLY",
	TypeExperimenter:    "EXPERIMENTER",
	TypeFeaturesRequest: "FEATURES_REQUEST",
	TypeFeaturesReply:   "FEATURES_REPLY",
	TypePacketIn:        "PACKET_IN",
	TypeFlowRemoved:     "FLOW_REMOVED",
	TypePortStatus:      "PORT_STATUS",
	TypePacketOut:       "PACKET_OUT",
	TypeFlowMod:         "FLOW_MOD",
	TypeGroupMod:        "GROUP_MOD",
	TypePortMod:         "PORT_MOD",
	TypeStatsRequest:    "STATS_REQUEST",
	TypeStatsReply:      "STATS_REPLY",
	TypeBarrierRequest:  "BARRIER_REQUEST",
	TypeBarrierReply:    "BARRIER_REPLY",
	TypeRoleRequest:     "ROLE_REQUEST",
	TypeRoleReply:       "ROLE_REPLY",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Message is a control message exchanged with a switch. This package only
// looks inside the role-related messages; everything else is opaque.
type Message interface {
	Type() MessageType
	Xid() uint32
}

// Role codes of the modern role request/reply messages.
const (
	RoleCodeNoChange uint32 = 0
	RoleCodeEqual    uint32 = 1
	RoleCodeMaster   uint32 = 2
	RoleCodeSlave    uint32 = 3
)

// Nicira vendor extension constants.
const (
	NiciraExperimenter uint32 = 0x2320

	NiciraRoleRequestSubtype uint32 = 10
	NiciraRoleReplySubtype   uint32 = 11

	NiciraRoleOther  uint32 = 0
	NiciraRoleMaster uint32 = 1
	NiciraRoleSlave  uint32 = 2
)

// Error types and codes relevant to role negotiation.
const (
	ErrTypeBadRequest        uint16 = 1
	ErrTypeRoleRequestFailed uint16 = 11

	BadRequestBadType         uint16 = 1
	BadRequestBadExperimenter uint16 = 3
	BadRequestBadExpType      uint16 = 4
	BadRequestEPerm           uint16 = 5
	BadRequestIsSlave         uint16 = 10
	BadRequestBadSubtype      uint16 = 11

	RoleRequestFailedStale   uint16 = 0
	RoleRequestFailedUnsup   uint16 = 1
	RoleRequestFailedBadRole uint16 = 2
)

// RoleRequest asks the switch to change (or report) this controller's role.
type RoleRequest struct {
	XID          uint32
	Code         uint32
	GenerationID uint64
}

func (m *RoleRequest) Type() MessageType { return TypeRoleRequest }
func (m *RoleRequest) Xid() uint32       { return m.XID }

// RoleReply is the modern reply to a RoleRequest.
type RoleReply struct {
	XID          uint32
	Code         uint32
	GenerationID uint64
}

func (m *RoleReply) Type() MessageType { return TypeRoleReply }
func (m *RoleReply) Xid() uint32       { return m.XID }

// Experimenter is a vendor message. Role is only meaningful for Nicira role
// request and reply subtypes.
type Experimenter struct {
	XID          uint32
	Experimenter uint32
	Subtype      uint32
	Role         uint32
	Data         []byte
}

func (m *Experimenter) Type() MessageType { return TypeExperimenter }
func (m *Experimenter) Xid() uint32       { return m.XID }

// IsNiciraRoleReply reports whether m carries a Nicira role reply.
func (m *Experimenter) IsNiciraRoleReply() bool {
	return m.Experimenter == NiciraExperimenter && m.Subtype == NiciraRoleReplySubtype
}

// ErrorMsg is an error reported by the switch for the request with the same
// xid.
type ErrorMsg struct {
	XID     uint32
	ErrType uint16
	Code    uint16
	Data    []byte
}

func (m *ErrorMsg) Type() MessageType { return TypeError }
func (m *ErrorMsg) Xid() uint32       { return m.XID }

func (m *ErrorMsg) String() string {
	return fmt.Sprintf("error(type=%d,code=%d,xid=%d)", m.ErrType, m.Code, m.XID)
}

// requestUnsupported reports whether the error says the switch does not know
// the request type at all, which for a role request means roles are not
// supported.
func (m *ErrorMsg) requestUnsupported() bool {
	if m.ErrType != ErrTypeBadRequest {
		return false
	}
	switch m.Code {
	case BadRequestBadType, BadRequestBadExperimenter, BadRequestBadExpType, BadRequestBadSubtype:
		return true
	}
	return false
}

// permissionDenied reports whether the switch refused a request because it
// does not consider this controller master.
func (m *ErrorMsg) permissionDenied() bool {
	return m.ErrType == ErrTypeBadRequest && (m.Code == BadRequestEPerm || m.Code == BadRequestIsSlave)
}

// FeaturesReply announces the switch's identity. Only the fields needed to
// pick a session dialect are kept.
type FeaturesReply struct {
	XID         uint32
	Dpid        Dpid
	NiciraRoles bool
}

func (m *FeaturesReply) Type() MessageType { return TypeFeaturesReply }
func (m *FeaturesReply) Xid() uint32       { return m.XID }

// Generic carries any message this package does not need to inspect.
type Generic struct {
	MsgType MessageType
	XID     uint32
	Body    []byte
}

func (m *Generic) Type() MessageType { return m.MsgType }
func (m *Generic) Xid() uint32       { return m.XID }

func (m *Generic) String() string {
	return fmt.Sprintf("%v(xid=%d,len=%d)", m.MsgType, m.XID, len(m.Body))
}
