package control

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTowerSubmitRoundTrip(t *testing.T) {
	tower := NewTower()

	done := make(chan struct{})
	go func() {
		env := <-tower.Recv()
		require.Equal(t, "req-1", env.Command.RequestId)
		require.Equal(t, CmdEnableFriend, env.Command.Kind)
		env.Respond(Report{RequestId: env.Command.RequestId})
		close(done)
	}()

	rpt := tower.Submit(Command{RequestId: "req-1", Kind: CmdEnableFriend})
	require.Equal(t, "req-1", rpt.RequestId)
	require.NoError(t, rpt.Err)
	<-done
}

func TestTowerPropagatesError(t *testing.T) {
	tower := NewTower()
	wantErr := errors.New("boom")

	go func() {
		env := <-tower.Recv()
		env.Respond(Report{RequestId: env.Command.RequestId, Err: wantErr})
	}()

	rpt := tower.Submit(Command{RequestId: "req-2", Kind: CmdRemoveFriend})
	require.ErrorIs(t, rpt.Err, wantErr)
}

func TestCommandKindString(t *testing.T) {
	require.Equal(t, "AddFriend", CmdAddFriend.String())
	require.Equal(t, "AckClosePayment", CmdAckClosePayment.String())
	require.Equal(t, "Unknown", CommandKind(255).String())
}
