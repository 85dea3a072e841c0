package bunny

// Result is the sentinel a queue or exchange operation returns on success.
// Failures surface as errors instead, so a Result is only ever one of the
// *Ok values below.
type Result string

const (
	// BindOk - queue.bind completed
	BindOk Result = "bind_ok"

	// UnbindOk - queue.unbind completed
	UnbindOk Result = "unbind_ok"

	// PurgeOk - queue.purge completed
	PurgeOk Result = "purge_ok"

	// DeleteOk - queue.delete or exchange.delete completed
	DeleteOk Result = "delete_ok"
)
