package escrow

// Operation enumerates the engine entry points subject to authorization.
type Operation uint8

const (
	OpInitialize Operation = iota
	OpWorkerAccept
	OpEmployerApproveCompletion
	OpWorkerApproveCompletion
	OpReleaseIfBothApproved
	OpOpenDispute
	OpAdminVote
	OpReleaseToWorker
	OpRefundToEmployer
)

var operationNames = map[Operation]string{
	OpInitialize:                "initialize",
	OpWorkerAccept:              "worker_accept",
	OpEmployerApproveCompletion: "employer_approve_completion",
	OpWorkerApproveCompletion:   "worker_approve_completion",
	OpReleaseIfBothApproved:     "release_if_both_approved",
	OpOpenDispute:               "open_dispute",
	OpAdminVote:                 "admin_vote",
	OpReleaseToWorker:           "release_to_worker",
	OpRefundToEmployer:          "refund_to_employer",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return "unknown"
}

// Operations lists every engine operation in lifecycle order.
func Operations() []Operation {
	return []Operation{
		OpInitialize,
		OpWorkerAccept,
		OpEmployerApproveCompletion,
		OpWorkerApproveCompletion,
		OpReleaseIfBothApproved,
		OpOpenDispute,
		OpAdminVote,
		OpReleaseToWorker,
		OpRefundToEmployer,
	}
}

// Role is a bit set of the parts a caller plays in a contract.
type Role uint8

const (
	RoleInitializer Role = 1 << iota
	RoleWorker
	RoleAdmin1
	RoleAdmin2

	roleAdmins = RoleAdmin1 | RoleAdmin2
	roleAny    = Role(0xFF)
)

// operationRoles binds each operation to the roles allowed to invoke it.
var operationRoles = map[Operation]Role{
	OpInitialize:                RoleInitializer,
	OpWorkerAccept:              RoleWorker,
	OpEmployerApproveCompletion: RoleInitializer,
	OpWorkerApproveCompletion:   RoleWorker,
	OpReleaseIfBothApproved:     roleAny,
	OpOpenDispute:               RoleInitializer | RoleWorker,
	OpAdminVote:                 roleAdmins,
	OpReleaseToWorker:           roleAdmins,
	OpRefundToEmployer:          roleAdmins,
}

// RolesOf reports the roles held by caller in c.
func RolesOf(c *Contract, caller [20]byte) Role {
	if c == nil || isZero(caller) {
		return 0
	}
	var roles Role
	if caller == c.Initializer {
		roles |= RoleInitializer
	}
	if caller == c.Worker {
		roles |= RoleWorker
	}
	if caller == c.Admin1 {
		roles |= RoleAdmin1
	}
	if caller == c.Admin2 {
		roles |= RoleAdmin2
	}
	return roles
}

// Authorize permits the call when caller holds one of the roles bound to op.
// It checks identity only; status and finalization are enforced by the
// engine.
func Authorize(op Operation, caller [20]byte, c *Contract) error {
	allowed, ok := operationRoles[op]
	if !ok {
		return withDetail(ErrUnauthorized, "unknown operation %d", op)
	}
	if allowed == roleAny {
		return nil
	}
	if RolesOf(c, caller)&allowed == 0 {
		return withDetail(ErrUnauthorized, "%s", op)
	}
	return nil
}
