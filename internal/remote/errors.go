package remote

import "fmt"

// ProtocolError reports a remote command whose completion could not be
// established: the stream ended before the marker, the marker carried an
// unusable exit status, or the wait was abandoned.
type ProtocolError struct {
	Command string
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote command %q: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("remote command %q: %s: %v", e.Command, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
