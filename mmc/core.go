package mmc

// RetryPolicy says how often a failed exchange is repeated.
// Backoff is not applied: the card state machine tolerates back-to-back commands.
type RetryPolicy struct {
	Retries int
}

var (
	// NoRetry issues a command exactly once.
	NoRetry = RetryPolicy{}

	// DefaultRetry allows CMD_RETRIES further attempts after a transient failure.
	// NewHost starts every host with it; override Host.Retry per host.
	DefaultRetry = RetryPolicy{Retries: CMD_RETRIES}
)

// Attempts returns the total number of submissions the policy allows.
func (p RetryPolicy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

// WaitForCmd submits a command without data and waits for it to complete.
// Transient failures are retried according to policy; any other failure
// is returned at once.
func (h *Host) WaitForCmd(cmd *Command, policy RetryPolicy) error {
	req := &Request{Cmd: cmd}
	if err := req.validate(); err != nil {
		return err
	}

	attempts := policy.Attempts()
	for attempt := 1; ; attempt++ {
		cmd.Resp = Response{}
		cmd.Err = nil
		cmd.Retries = attempts - attempt
		h.Transport.Request(req)

		if cmd.Err == nil {
			return nil
		}
		if attempt >= attempts || !IsTransient(cmd.Err) {
			return &CommandError{Opcode: cmd.Opcode, Arg: cmd.Arg, Phase: PhaseCommand, Err: cmd.Err}
		}
		h.log().Debug("retrying command", "cmd", cmd.Opcode, "arg", cmd.Arg,
			"attempt", attempt, "error", cmd.Err)
	}
}

// WaitForReq submits a complete request once and reconciles its errors:
// a command failure wins over a data failure, which wins over a stop failure.
func (h *Host) WaitForReq(req *Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	req.Cmd.Err = nil
	req.Cmd.Resp = Response{}
	if req.Data != nil {
		req.Data.Err = nil
		req.Data.BytesXfered = 0
	}
	if req.Stop != nil {
		req.Stop.Err = nil
	}

	h.Transport.Request(req)

	switch {
	case req.Cmd.Err != nil:
		return &CommandError{Opcode: req.Cmd.Opcode, Arg: req.Cmd.Arg, Phase: PhaseCommand, Err: req.Cmd.Err}
	case req.Data != nil && req.Data.Err != nil:
		return &CommandError{Opcode: req.Cmd.Opcode, Arg: req.Cmd.Arg, Phase: PhaseData, Err: req.Data.Err}
	case req.Stop != nil && req.Stop.Err != nil:
		return &CommandError{Opcode: req.Stop.Opcode, Arg: req.Stop.Arg, Phase: PhaseStop, Err: req.Stop.Err}
	}
	return nil
}
