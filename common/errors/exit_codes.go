package errors

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1
	UsageExitCode          ExitCode = 2

	CommandGenerationExitCode ExitCode = 70

	// Remote side
	TransportExitCode             ExitCode = 80
	RemoteExecutionExitCode       ExitCode = 81
	ParseAmbiguityExitCode        ExitCode = 82
	MonitoringUnavailableExitCode ExitCode = 83

	CredentialExitCode ExitCode = 90

	RegistryPersistExitCode ExitCode = 100

	CanceledExitCode ExitCode = 110

	// The job ran to a terminal state other than COMPLETE.
	JobFailedExitCode ExitCode = 120
)

var kindExitCodes = map[Kind]ExitCode{
	CommandGeneration:     CommandGenerationExitCode,
	Transport:             TransportExitCode,
	RemoteExecution:       RemoteExecutionExitCode,
	ParseAmbiguity:        ParseAmbiguityExitCode,
	MonitoringUnavailable: MonitoringUnavailableExitCode,
	Credential:            CredentialExitCode,
	RegistryPersist:       RegistryPersistExitCode,
	Canceled:              CanceledExitCode,
}

// ExitCodeFor maps err to a process exit code. nil maps to 0.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return 0
	}
	if e, ok := err.(*ExitCodeError); ok {
		return e.GetExitCode()
	}
	if code, ok := kindExitCodes[KindOf(err)]; ok {
		return code
	}
	return GenericFailureExitCode
}
