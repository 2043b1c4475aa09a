package mmc

import "fmt"

// pollOptions tune a status polling loop.
type pollOptions struct {
	// retry is applied to every SEND_STATUS.
	retry RetryPolicy

	// errMask lists native status bits that end the poll with a StatusError.
	errMask uint32

	// needReady keeps polling until READY_FOR_DATA is set.
	needReady bool

	// single issues one status query and returns it.
	single bool

	// maxPolls overrides MaxStatusPolls.
	maxPolls int
}

// sendStatus issues CMD13 with the given retry policy.
func (c *Card) sendStatus(policy RetryPolicy) (Status, error) {
	h := c.Host
	cmd := &Command{
		Opcode: CMD_SEND_STATUS,
		Flags:  RSP_SPI_R2 | RSP_R1 | CMD_AC,
	}
	if !h.IsSPI() {
		cmd.Arg = c.rcaArg()
	}
	if err := h.WaitForCmd(cmd, policy); err != nil {
		return Status{}, err
	}
	return DecodeStatus(cmd.Resp, h.IsSPI()), nil
}

// waitWhileProgramming queries the card status until it leaves the
// programming state. A command failure is returned at once. A status with a
// definitive error, or with a bit from opts.errMask, ends the loop with a
// *StatusError carrying that status. The last status read is always returned.
func (c *Card) waitWhileProgramming(opcode uint8, opts pollOptions) (Status, error) {
	limit := opts.maxPolls
	if limit <= 0 {
		limit = MaxStatusPolls
	}

	var st Status
	var err error
	for i := 0; i < limit; i++ {
		st, err = c.sendStatus(opts.retry)
		if err != nil {
			return st, err
		}
		if st.Definitive() || (!st.SPI && st.Raw&opts.errMask != 0) {
			return st, &StatusError{Opcode: opcode, Status: st}
		}
		if opts.single {
			return st, nil
		}
		if st.State() != StateProgram && (!opts.needReady || st.ReadyForData()) {
			return st, nil
		}
	}
	return st, fmt.Errorf("CMD%d: card still busy after %d status polls: %w", opcode, limit, ErrTimeout)
}
