package session

// Status accumulates process exit codes for a session. Once any input fails
// the aggregate stays failed.
type Status struct {
	code int
}

// Success is the identity for Combine.
var Success = Status{}

// FromExitCode converts a process exit code. Codes outside 0..255 normalize
// to 1 so they still mark failure after the OS truncates them.
func FromExitCode(code int) Status {
	if code < 0 || code > 255 {
		return Status{code: 1}
	}
	return Status{code: code}
}

// Combine returns the bitwise OR of both codes.
func (s Status) Combine(other Status) Status {
	return Status{code: s.code | other.code}
}

// Failed reports whether any combined input was non-zero.
func (s Status) Failed() bool {
	return s.code != 0
}

// ExitCode returns the aggregate code suitable for os.Exit.
func (s Status) ExitCode() int {
	return s.code
}

func (s Status) String() string {
	if s.Failed() {
		return "failure"
	}
	return "success"
}
