package wallet

const (
	operationApplyDelta        = "apply_delta"
	operationSetPrimary        = "set_primary"
	operationAllocate          = "allocate"
	operationReverseAllocation = "reverse_allocation"
	operationTerminate         = "terminate_sponsorship"
	operationNotify            = "notify"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultListLimit = 50
	maxListLimit     = 200
)
