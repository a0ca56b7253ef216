package netsuspend

// Status is the outcome of a controller operation. Timeouts are ordinary
// outcomes, not failures.
type Status int

const (
	StatusSuccess Status = iota
	StatusWaitTimeoutExpired
	StatusInactivityTimeoutExpired
	StatusActivityTimeoutExpired
	StatusBadArgs
	StatusBadState
	StatusConnectFailed
	StatusDisconnectFailed
	StatusNetSuspendFailed
	StatusNetResumeFailed
	StatusNetActivity
)

var statusNames = [...]string{
	StatusSuccess:                  "success",
	StatusWaitTimeoutExpired:       "wait_timeout_expired",
	StatusInactivityTimeoutExpired: "inactivity_timeout_expired",
	StatusActivityTimeoutExpired:   "activity_timeout_expired",
	StatusBadArgs:                  "bad_args",
	StatusBadState:                 "bad_state",
	StatusConnectFailed:            "connect_failed",
	StatusDisconnectFailed:         "disconnect_failed",
	StatusNetSuspendFailed:         "net_suspend_failed",
	StatusNetResumeFailed:          "net_resume_failed",
	StatusNetActivity:              "net_activity",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}
