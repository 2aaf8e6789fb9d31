package node

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"ClawdCity-TabComm/internal/config"
	"ClawdCity-TabComm/internal/tabapi"
	"ClawdCity-TabComm/internal/tabcomm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeServesTabAPI(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "origin.db")

	n, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- n.Serve(ctx, ln) }()

	client := tabapi.NewClient("http://" + ln.Addr().String())
	callee, err := client.OpenTab(ctx)
	require.NoError(t, err)
	caller, err := client.OpenTab(ctx)
	require.NoError(t, err)

	// Answer from inside the process through the callee's area context.
	tabCtx, ok := n.Area().Context(callee)
	require.True(t, ok)
	comm, err := tabcomm.New(tabCtx)
	require.NoError(t, err)
	defer comm.Close()
	comm.On("sum", func(args tabcomm.Args, ack tabcomm.AckFunc) {
		var x, y int
		_ = args.Decode(0, &x)
		_ = args.Decode(1, &y)
		_ = ack(x + y)
	})

	result, err := client.Call(ctx, caller, "sum", time.Second, json.RawMessage(`2`), json.RawMessage(`3`))
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.JSONEq(t, "5", string(result[0]))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "redis"
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, config.ErrUnknownDriver)
}
