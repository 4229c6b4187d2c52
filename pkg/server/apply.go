package server

import (
	"context"

	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/statemachine"
)

// applyLoop is the state-machine thread: it wakes on every commitSignal
// and applies every newly committed entry, in index order, to the session
// table, the cluster view, and the external state machine. It is the only
// caller of the state machine's Apply and Register; Expire is called from
// expiryLoop and Filter from the compaction scheduler's goroutine.
func (c *Context) applyLoop() {
	for {
		select {
		case <-c.commitSignal:
			c.applyUpTo(c.node.CommitIndex())
		case <-c.stopApply:
			return
		}
	}
}

func (c *Context) applyUpTo(commitIndex uint64) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	for idx := c.log.LastApplied() + 1; idx <= commitIndex; idx++ {
		e, ok := c.log.Get(idx)
		if !ok {
			// compacted out from under us should never happen below
			// lastApplied, but skip defensively rather than stall forever.
			continue
		}
		c.applyEntry(e)
		c.log.SetLastApplied(idx)
	}
}

func (c *Context) applyEntry(e *raftpb.Entry) {
	ctx := context.Background()
	switch e.Type {
	case raftpb.EntryNoOp:
		// advances lastApplied only.

	case raftpb.EntryRegister:
		c.sessions.Register(e.Index, e.ConnectionID, e.Timestamp)
		if err := c.sm.Register(ctx, e.Index, e.ConnectionID, e.Timestamp); err != nil {
			c.logger.Warn().Err(err).Uint64("session", e.Index).Msg("state machine rejected session registration")
		}

	case raftpb.EntryKeepAlive:
		if err := c.sessions.KeepAlive(e.Session, e.Index, e.Sequence, e.EventAck, e.Timestamp); err != nil {
			c.logger.Debug().Err(err).Uint64("session", e.Session).Msg("keep-alive on unknown or closed session")
		}

	case raftpb.EntryCommand:
		_, err := c.sessions.ApplyCommand(e.Session, e.Index, e.Sequence, func() ([]byte, error) {
			return c.sm.Apply(ctx, statemachine.Commit{
				Index:     e.Index,
				Timestamp: e.Timestamp,
				Session:   e.Session,
				Operation: e.Payload,
			})
		})
		if err != nil {
			c.logger.Debug().Err(err).Uint64("session", e.Session).Msg("command application failed")
		}

	case raftpb.EntryQuery:
		result, err := c.sm.Apply(ctx, statemachine.Commit{
			Index:     e.Index,
			Timestamp: e.Timestamp,
			Session:   e.Session,
			Operation: e.Payload,
		})
		if err != nil {
			c.logger.Debug().Err(err).Uint64("session", e.Session).Msg("query application failed")
		}
		c.storeQueryResult(e.Index, result)

	case raftpb.EntryConfiguration:
		c.cl.Configure(e.Index, e.Active, e.Passive, c.log.LastIndex())
		_ = c.stable.SaveConfiguration(e.Index, e.Active, e.Passive)

	default:
		c.logger.Warn().Uint16("type", uint16(e.Type)).Msg("unknown entry type")
	}
}
