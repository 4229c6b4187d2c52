package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/transport"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage cluster membership",
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Ask a running cluster to admit a new member",
	RunE:  runClusterJoin,
}

var clusterLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Ask a running cluster to remove a member",
	RunE:  runClusterLeave,
}

func init() {
	for _, c := range []*cobra.Command{clusterJoinCmd, clusterLeaveCmd} {
		c.Flags().String("seed", "", "Address of any current cluster member")
		c.Flags().String("id", "", "Member id")
		c.Flags().String("addr", "", "Member transport address")
		c.Flags().Bool("passive", false, "Join as a non-voting (PASSIVE) member")
	}
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterCmd.AddCommand(clusterLeaveCmd)
}

func membershipRequest(cmd *cobra.Command) (seed string, member raftpb.Member, err error) {
	seed, _ = cmd.Flags().GetString("seed")
	id, _ := cmd.Flags().GetString("id")
	addr, _ := cmd.Flags().GetString("addr")
	passive, _ := cmd.Flags().GetBool("passive")
	if seed == "" || id == "" || addr == "" {
		return "", raftpb.Member{}, fmt.Errorf("--seed, --id, and --addr are required")
	}
	typ := raftpb.MemberActive
	if passive {
		typ = raftpb.MemberPassive
	}
	return seed, raftpb.Member{ID: id, Host: addr, Type: typ}, nil
}

func runClusterJoin(cmd *cobra.Command, _ []string) error {
	seed, member, err := membershipRequest(cmd)
	if err != nil {
		return err
	}
	resp, err := callMembership(seed, transport.TopicJoin, member)
	if err != nil {
		return err
	}
	fmt.Printf("joined at configuration version %d, active=%d passive=%d\n", resp.Version, len(resp.Active), len(resp.Passive))
	return nil
}

func runClusterLeave(cmd *cobra.Command, _ []string) error {
	seed, member, err := membershipRequest(cmd)
	if err != nil {
		return err
	}
	resp, err := callMembership(seed, transport.TopicLeave, member)
	if err != nil {
		return err
	}
	fmt.Printf("left at configuration version %d, active=%d passive=%d\n", resp.Version, len(resp.Active), len(resp.Passive))
	return nil
}

func callMembership(seed, topic string, member raftpb.Member) (*raftpb.MembershipResponse, error) {
	tr := transport.NewGRPC()
	defer func() { _ = tr.Close() }()
	disp := transport.NewDispatcher(tr, codec.Default)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := &raftpb.MembershipRequest{Member: member}
	resp, err := transport.Call[raftpb.MembershipRequest, raftpb.MembershipResponse](ctx, disp, seed, topic, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != raftpb.StatusOK {
		return nil, fmt.Errorf("%s rejected: %s", topic, resp.Error)
	}
	return resp, nil
}
