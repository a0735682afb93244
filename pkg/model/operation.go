package model

// OperationType tags every submission to the operation queue.
type OperationType string

const (
	// OperationRead runs immediately without the cross-process lock.
	OperationRead OperationType = "read"
	// OperationMutation must hold the cross-process lock while it runs.
	OperationMutation OperationType = "mutation"
)

// UninstallOperationID is the lock operation id for an uninstall.
func UninstallOperationID(manager, pkg string) string {
	return "uninstall:" + manager + ":" + pkg
}
