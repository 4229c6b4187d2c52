package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/ravelclient"
	"github.com/cuemby/ravel/pkg/statemachine"
	"github.com/cuemby/ravel/pkg/transport"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Talk to a Ravel cluster using the reference KV state machine",
}

var clientPutCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Put a key/value pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runClientPut,
}

var clientGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a key's value",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientGet,
}

var clientDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientDelete,
}

func init() {
	for _, c := range []*cobra.Command{clientPutCmd, clientGetCmd, clientDeleteCmd} {
		c.Flags().String("members", "", "Comma-separated list of known server addresses")
		c.Flags().Duration("session-timeout", 5*time.Second, "Session keep-alive interval basis")
	}
	clientCmd.AddCommand(clientPutCmd)
	clientCmd.AddCommand(clientGetCmd)
	clientCmd.AddCommand(clientDeleteCmd)
}

func newDemoClient(cmd *cobra.Command) (*ravelclient.Client, error) {
	members, _ := cmd.Flags().GetString("members")
	timeout, _ := cmd.Flags().GetDuration("session-timeout")
	if members == "" {
		return nil, fmt.Errorf("--members is required")
	}
	addrs := strings.Split(members, ",")
	c := ravelclient.New(transport.NewGRPC(), timeout, addrs)
	if err := c.Open(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func runClientPut(cmd *cobra.Command, args []string) error {
	c, err := newDemoClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	payload, err := codec.Default.Marshal(statemachine.Op{Kind: statemachine.OpPut, Key: args[0], Value: []byte(args[1])})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Command(ctx, payload); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runClientGet(cmd *cobra.Command, args []string) error {
	c, err := newDemoClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	payload, err := codec.Default.Marshal(statemachine.Op{Kind: statemachine.OpGet, Key: args[0]})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := c.Query(ctx, payload, raftpb.ConsistencyLinearizable)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func runClientDelete(cmd *cobra.Command, args []string) error {
	c, err := newDemoClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	payload, err := codec.Default.Marshal(statemachine.Op{Kind: statemachine.OpDelete, Key: args[0]})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Command(ctx, payload); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
