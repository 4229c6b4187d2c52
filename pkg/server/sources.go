package server

// The following methods implement metrics.Sources, letting
// metrics.NewCollector(ctx) poll a running Context on an interval.

func (c *Context) Role() string         { return c.node.RoleString() }
func (c *Context) Term() uint64         { return c.node.Term() }
func (c *Context) LastLogIndex() uint64 { return c.log.LastIndex() }
func (c *Context) CommitIndex() uint64  { return c.node.CommitIndex() }
func (c *Context) GlobalIndex() uint64  { return c.node.GlobalIndex() }
func (c *Context) LastApplied() uint64  { return c.log.LastApplied() }
func (c *Context) ActiveMembers() int   { return len(c.cl.ActiveMembers()) }
func (c *Context) PassiveMembers() int  { return len(c.cl.PassiveMembers()) }
func (c *Context) SessionsOpen() int { return c.sessions.OpenCount() }
