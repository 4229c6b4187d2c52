package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSources struct{}

func (fakeSources) Role() string        { return "leader" }
func (fakeSources) Term() uint64        { return 4 }
func (fakeSources) LastLogIndex() uint64 { return 10 }
func (fakeSources) CommitIndex() uint64  { return 9 }
func (fakeSources) GlobalIndex() uint64  { return 8 }
func (fakeSources) LastApplied() uint64  { return 9 }
func (fakeSources) ActiveMembers() int   { return 3 }
func (fakeSources) PassiveMembers() int  { return 1 }
func (fakeSources) SessionsOpen() int    { return 2 }

func TestCollectorCollect(t *testing.T) {
	c := NewCollector(fakeSources{})
	c.collect()

	if got := testutil.ToFloat64(Term); got != 4 {
		t.Errorf("Term = %v, want 4", got)
	}
	if got := testutil.ToFloat64(CommitIndex); got != 9 {
		t.Errorf("CommitIndex = %v, want 9", got)
	}
	if got := testutil.ToFloat64(ActiveMembers); got != 3 {
		t.Errorf("ActiveMembers = %v, want 3", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(fakeSources{})
	c.interval = time.Millisecond
	c.Start()
	time.Sleep(5 * time.Millisecond)
	c.Stop()
}
