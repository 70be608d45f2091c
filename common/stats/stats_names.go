package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/************************* Orchestrator metrics **************************/
	/*
		number of jobs handed to Submit
	*/
	OrchestratorJobsSubmittedCounter = "jobsSubmittedCounter"

	/*
		number of jobs currently owned by a job task (submitting or monitoring)
	*/
	OrchestratorActiveJobsGauge = "activeJobsGauge"

	/*
		time from Submit until the scheduler returned a handle (or the submit failed)
	*/
	OrchestratorSubmitLatency_ms = "submitLatency_ms"

	/*
		number of jobs reaching each terminal state
	*/
	OrchestratorJobsCompletedCounter = "jobsCompletedCounter"
	OrchestratorJobsFailedCounter    = "jobsFailedCounter"
	OrchestratorJobsCanceledCounter  = "jobsCanceledCounter"

	/*
		number of jobs whose monitoring halted on an unrenewable credential
	*/
	OrchestratorJobsDetachedCounter = "jobsDetachedCounter"

	/*
		number of monitor polls issued, and how many of them could not be classified
	*/
	OrchestratorPollCounter        = "pollCounter"
	OrchestratorUnknownPollCounter = "unknownPollCounter"

	/*
		number of polls reporting a state older than one already observed (e.g. QUEUED after RUNNING)
	*/
	OrchestratorRegressedPollCounter = "regressedPollCounter"

	/*
		number of poll responses dropped because a cancel overtook them
	*/
	OrchestratorStalePollCounter = "stalePollCounter"

	/*
		number of transport failures retried with backoff
	*/
	OrchestratorTransportRetryCounter = "transportRetryCounter"

	/*
		number of registry writes that failed and were retried
	*/
	OrchestratorRegistryRetryCounter = "registryRetryCounter"

	/*
		time to persist a job record, including retries
	*/
	OrchestratorPersistLatency_ms = "persistLatency_ms"

	/************************* Channel metrics **************************/
	/*
		number of remote commands run, and how many ended in a connection level error
	*/
	ChannelCommandCounter        = "commandCounter"
	ChannelTransportErrorCounter = "transportErrorCounter"

	/*
		number of commands that exited non-zero
	*/
	ChannelNonZeroExitCounter = "nonZeroExitCounter"

	/*
		remote command round trip
	*/
	ChannelCommandLatency_ms = "commandLatency_ms"

	/*
		time spent waiting on the per-host rate limiter
	*/
	ChannelRateLimitWaitLatency_ms = "rateLimitWaitLatency_ms"

	/*
		number of SSH connections dialed (includes reconnects)
	*/
	ChannelSSHDialCounter = "sshDialCounter"

	/************************* Security metrics **************************/
	/*
		number of credentials fetched from a provider on first acquire
	*/
	SecurityAcquireCounter = "acquireCounter"

	/*
		number of renewals, and how many the provider rejected
	*/
	SecurityRenewCounter    = "renewCounter"
	SecurityRenewErrCounter = "renewErrCounter"

	/************************* Notification metrics **************************/
	/*
		number of listener invocations that returned an error or panicked
	*/
	NotifyListenerErrCounter = "listenerErrCounter"

	/*
		number of events dispatched, scoped by event type
	*/
	NotifyEventCounter = "eventCounter"
)
