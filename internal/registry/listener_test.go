package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/policy"
)

// These tests exercise handle() directly — the AMQP wire-up itself (dial,
// exchange/queue declare, consume) requires a running broker and is left to
// an integration environment. Driving handle() with the same message shape
// a real fanout delivery would carry covers the watch-address hot-update
// path without one.
func TestHandleAddsWatchedAddress(t *testing.T) {
	set := policy.NewWatchedSet()
	l := New(set, Options{URL: "amqp://unused", ChainName: "testchain"})

	l.handle([]byte(`{"address":"0xCC00000000000000000000000000000000000C"}`))

	assert.True(t, set.Contains("0xcc00000000000000000000000000000000000c"))
	assert.Equal(t, int64(1), l.StatsSnapshot().Processed)
}

func TestHandleRemovesWatchedAddress(t *testing.T) {
	set := policy.NewWatchedSet()
	set.Add("0xcc00000000000000000000000000000000000c")
	l := New(set, Options{URL: "amqp://unused", ChainName: "testchain"})

	l.handle([]byte(`{"address":"0xcc00000000000000000000000000000000000c","remove":true}`))

	assert.False(t, set.Contains("0xcc00000000000000000000000000000000000c"))
}

func TestHandleIgnoresExtraFields(t *testing.T) {
	set := policy.NewWatchedSet()
	l := New(set, Options{URL: "amqp://unused", ChainName: "testchain"})

	l.handle([]byte(`{"address":"0xdd00000000000000000000000000000000000d","ignored":"value","nested":{"a":1}}`))

	assert.True(t, set.Contains("0xdd00000000000000000000000000000000000d"))
}

func TestHandleDropsMalformedMessage(t *testing.T) {
	set := policy.NewWatchedSet()
	l := New(set, Options{URL: "amqp://unused", ChainName: "testchain"})

	l.handle([]byte(`not json`))
	l.handle([]byte(`{}`))

	assert.Equal(t, 0, set.Len())
	assert.Equal(t, int64(2), l.StatsSnapshot().Dropped)
}
