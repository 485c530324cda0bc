package trade

import (
	"context"
	"fmt"

	"tradenet/internal/faults"
	"tradenet/internal/task"
	"tradenet/internal/wallet"
)

type delayedPayoutModel struct {
	id         string
	lockHeight int64
	// skip is set when a payout already happened or another check owns
	// the fallback.
	skip bool
	// known is set when the wallet already shows the delayed payout.
	known bool
}

// PublishDelayedPayout is the fallback when the cooperative payout stalls.
// Its first step completes once the chain reaches the lock height; then the
// pre-signed delayed payout is broadcast unless a payout already happened
// or the wallet already shows the delayed payout, in which case the phase is
// advanced without a broadcast. Ending ctx abandons the wait without
// marking the trade faulted.
func (m *Manager) PublishDelayedPayout(ctx context.Context, id string) error {
	t, ok := m.Trade(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, id)
	}
	if t.DelayedPayout.TxID == "" || len(t.DelayedPayout.Sigs) < 2 {
		return faults.New(faults.ProtocolViolation, "trade has no signed delayed payout")
	}

	model := &delayedPayoutModel{id: id, lockHeight: t.DelayedPayout.LockHeight}
	done, onComplete, onFault := sequenceCallbacks()
	r := runner(m.opts, model, onComplete, func(msg string, err error) {
		if ctx.Err() == nil {
			m.faulted(id, msg, err)
		}
		onFault(msg, err)
	})
	r.AddTasks(
		task.Task[delayedPayoutModel]{Name: "WaitForLockHeight", Run: func(s *task.Step[delayedPayoutModel]) {
			m.waitForLockHeight(ctx, s)
		}},
		task.Task[delayedPayoutModel]{Name: "CheckPayoutState", Run: m.checkPayoutState},
		task.Task[delayedPayoutModel]{Name: "BroadcastDelayedPayoutTx", Run: func(s *task.Step[delayedPayoutModel]) {
			m.broadcastDelayedPayout(ctx, s)
		}},
		task.Task[delayedPayoutModel]{Name: "SetDelayedPayoutPhase", Run: func(s *task.Step[delayedPayoutModel]) {
			md := s.Model()
			if !md.skip {
				if err := m.setPhase(md.id, PhaseDelayedPayoutBroadcasted); err != nil {
					s.Fail(err)
					return
				}
			}
			s.Complete()
		}},
	)
	if err := r.Run(); err != nil {
		return err
	}
	return wait(ctx, done)
}

func (m *Manager) waitForLockHeight(ctx context.Context, s *task.Step[delayedPayoutModel]) {
	lock := s.Model().lockHeight
	reached := m.opts.Wallet.BlockHeightReached(lock)
	go func() {
		select {
		case <-reached:
			s.Complete()
		case <-ctx.Done():
			s.Fail(faults.Transportf(ctx.Err(), "lock height %d not reached", lock))
		}
	}()
}

func (m *Manager) checkPayoutState(s *task.Step[delayedPayoutModel]) {
	md := s.Model()
	_, err := m.update(md.id, func(t *Trade) error {
		switch {
		case t.Phase == PhaseInit:
			return faults.New(faults.ProtocolViolation, "deposit not published")
		case t.Phase.PayoutDone(), t.DelayedPayoutRequested:
			md.skip = true
			return nil
		case t.Payout.TxID != "" && m.opts.Wallet.Confidence(t.Payout.TxID).Seen():
			md.skip = true
			return nil
		}
		t.DelayedPayoutRequested = true
		md.known = m.opts.Wallet.HasTx(t.DelayedPayout.TxID)
		return nil
	})
	if err != nil {
		s.Fail(err)
		return
	}
	s.Complete()
}

func (m *Manager) broadcastDelayedPayout(ctx context.Context, s *task.Step[delayedPayoutModel]) {
	md := s.Model()
	if md.skip || md.known {
		if md.known {
			m.opts.Logger.Info("delayed payout already published, not broadcasting again", "trade", md.id)
		}
		s.Complete()
		return
	}
	t, _ := m.Trade(md.id)
	await(m.opts.Wallet.BroadcastTx(ctx, t.DelayedPayout), func(res wallet.BroadcastResult) {
		if err := broadcastErr("delayed payout tx", res); err != nil {
			_, _ = m.update(md.id, func(t *Trade) error { t.DelayedPayoutRequested = false; return nil })
			s.Fail(err)
			return
		}
		s.Complete()
	})
}
