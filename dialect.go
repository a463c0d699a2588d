package mastership

// Protocol versions as announced on the wire.
const (
	VersionOF10 uint8 = 0x01
	VersionOF13 uint8 = 0x04
)

// Dialect is how a particular kind of switch expresses roles. One is chosen
// per connection, typically from the negotiated protocol version and the
// switch's advertised vendor extensions.
type Dialect interface {
	// Name is used for logging.
	Name() string
	// Version is the wire protocol version spoken by the switch.
	Version() uint8
	// SupportsRoleMessages reports whether role requests can be sent at
	// all.
	SupportsRoleMessages() bool
	// RoleRequest builds a request for role. It also returns the role the
	// switch is expected to echo back, which differs from role when the
	// dialect cannot express it.
	RoleRequest(xid uint32, role Role, generationID uint64) (Message, Role)
	// QueryRequest builds a request asking for the current role without
	// changing it, or returns ErrQueryUnsupported.
	QueryRequest(xid uint32, generationID uint64) (Message, error)
}

var (
	// DialectOF13 uses the standard role request and reply messages.
	DialectOF13 Dialect = modernDialect{}
	// DialectOF10Nicira uses the Nicira vendor role extension.
	DialectOF10Nicira Dialect = niciraDialect{}
	// DialectOF10 is a switch without any notion of roles.
	DialectOF10 Dialect = noRoleDialect{}
)

// DialectFor picks the dialect for a switch that negotiated version and
// does, or does not, advertise Nicira role support.
func DialectFor(version uint8, niciraRoles bool) Dialect {
	if version > VersionOF10 {
		return DialectOF13
	}
	if niciraRoles {
		return DialectOF10Nicira
	}
	return DialectOF10
}

type modernDialect struct{}

func (modernDialect) Name() string               { return "of13" }
func (modernDialect) Version() uint8             { return VersionOF13 }
func (modernDialect) SupportsRoleMessages() bool { return true }

func (modernDialect) RoleRequest(xid uint32, role Role, generationID uint64) (Message, Role) {
	return &RoleRequest{XID: xid, Code: modernRoleCode(role), GenerationID: generationID}, role
}

func (modernDialect) QueryRequest(xid uint32, generationID uint64) (Message, error) {
	return &RoleRequest{XID: xid, Code: RoleCodeNoChange, GenerationID: generationID}, nil
}

func modernRoleCode(role Role) uint32 {
	switch role {
	case RoleMaster:
		return RoleCodeMaster
	case RoleEqual:
		return RoleCodeEqual
	case RoleSlave:
		return RoleCodeSlave
	}
	return RoleCodeNoChange
}

type niciraDialect struct{}

func (niciraDialect) Name() string               { return "of10-nicira" }
func (niciraDialect) Version() uint8             { return VersionOF10 }
func (niciraDialect) SupportsRoleMessages() bool { return true }

// RoleRequest only ever asks for MASTER or SLAVE. The Nicira "other" role
// has no defined behavior, so EQUAL is sent, and expected back, as SLAVE.
func (niciraDialect) RoleRequest(xid uint32, role Role, _ uint64) (Message, Role) {
	code := NiciraRoleSlave
	expect := RoleSlave
	if role == RoleMaster {
		code = NiciraRoleMaster
		expect = RoleMaster
	}
	return &Experimenter{
		XID:          xid,
		Experimenter: NiciraExperimenter,
		Subtype:      NiciraRoleRequestSubtype,
		Role:         code,
	}, expect
}

func (niciraDialect) QueryRequest(uint32, uint64) (Message, error) {
	return nil, ErrQueryUnsupported
}

type noRoleDialect struct{}

func (noRoleDialect) Name() string               { return "of10" }
func (noRoleDialect) Version() uint8             { return VersionOF10 }
func (noRoleDialect) SupportsRoleMessages() bool { return false }

func (noRoleDialect) RoleRequest(uint32, Role, uint64) (Message, Role) {
	panic("BUG: role request built for a switch without role support")
}

func (noRoleDialect) QueryRequest(uint32, uint64) (Message, error) {
	return nil, ErrQueryUnsupported
}
