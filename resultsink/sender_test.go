package resultsink

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planartrack/engine/scheduler"
)

func TestPublishSendsOverUDP(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	s := New(nil)
	require.NoError(t, s.AddUDPTarget(listener.LocalAddr().String()))
	require.NoError(t, s.Start())
	defer s.Stop()

	result := scheduler.FrameResult{FrameIndex: 7, ActiveTargetID: "poster-1"}
	s.Publish(result)

	buf := make([]byte, 4096)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	var got scheduler.FrameResult
	require.NoError(t, json.Unmarshal(buf[:n], &got))
	assert.Equal(t, result.FrameIndex, got.FrameIndex)
	assert.Equal(t, result.ActiveTargetID, got.ActiveTargetID)
}

func TestPublishBeforeStartIsNoop(t *testing.T) {
	s := New(nil)
	assert.NotPanics(t, func() {
		s.Publish(scheduler.FrameResult{FrameIndex: 1})
	})
}

func TestAddUDPTargetRejectsBadAddress(t *testing.T) {
	s := New(nil)
	err := s.AddUDPTarget("not-an-address:::")
	assert.Error(t, err)
}
