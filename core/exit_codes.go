package core

// Exit codes for the application.
// Signal-based exits follow the Unix 128 + signal number convention.
const (
	// ExitCodeSuccess indicates clean shutdown
	ExitCodeSuccess = 0

	// ExitCodeError indicates an unclassified error
	ExitCodeError = 1

	// ExitCodeConfigError indicates invalid or missing configuration
	ExitCodeConfigError = 2

	// ExitCodeModelError indicates required weights could not be provisioned or loaded
	ExitCodeModelError = 3

	// ExitCodeSIGINT indicates termination due to SIGINT (128 + 2)
	ExitCodeSIGINT = 130

	// ExitCodeSIGTERM indicates termination due to SIGTERM (128 + 15)
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeConfigError:
		return "configuration error"
	case ExitCodeModelError:
		return "model setup error"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit returns true if the exit code indicates a signal-based termination.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}
