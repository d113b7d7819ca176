package brokerclient

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/payload"
)

func TestInitialState(t *testing.T) {
	c := New(Options{Address: "localhost", Port: 1883, ClientIDPrefix: "test"})
	require.Equal(t, Initializing, c.State())
	require.False(t, c.Connected())
	require.Empty(t, c.ClientID())
}

func TestPublishWhenNotConnectedDrops(t *testing.T) {
	c := New(Options{Address: "localhost", Port: 1883, ClientIDPrefix: "test"})
	buf := payload.New([]byte("hi"))

	ok, reason := c.Publish("a/b", buf, 0, false)
	require.False(t, ok)
	require.Equal(t, DropNotConnected, reason)
}

func TestEffectiveSubscriptionsDefaultsToHash(t *testing.T) {
	c := New(Options{Address: "localhost", Port: 1883, ClientIDPrefix: "test"})
	require.Equal(t, []string{"#"}, c.effectiveSubscriptions())
}

func TestEffectiveSubscriptionsHonorsConfigured(t *testing.T) {
	c := New(Options{
		Address: "localhost", Port: 1883, ClientIDPrefix: "test",
		Subscriptions: []string{"sensors/#", "alerts/#"},
	})
	require.Equal(t, []string{"sensors/#", "alerts/#"}, c.effectiveSubscriptions())
}

func TestGenerateClientIDSuffixIsHex(t *testing.T) {
	suffix, err := generateClientIDSuffix()
	require.NoError(t, err)
	require.Len(t, suffix, 8)
	_, err = hex.DecodeString(suffix)
	require.NoError(t, err)
}

func TestUpdateSubscriptionsWhenNotConnectedOnlyStoresOptions(t *testing.T) {
	c := New(Options{Address: "localhost", Port: 1883, ClientIDPrefix: "test"})
	c.UpdateSubscriptions([]string{"new/#"})
	require.Equal(t, []string{"new/#"}, c.effectiveSubscriptions())
}

func TestDiffFiltersAddAndRemove(t *testing.T) {
	toAdd, toRemove := diffFilters([]string{"a/#", "b/#"}, []string{"b/#", "c/#"})
	require.ElementsMatch(t, []string{"c/#"}, toAdd)
	require.ElementsMatch(t, []string{"a/#"}, toRemove)
}

func TestDiffFiltersNoChange(t *testing.T) {
	toAdd, toRemove := diffFilters([]string{"a/#"}, []string{"a/#"})
	require.Empty(t, toAdd)
	require.Empty(t, toRemove)
}

func TestEffectiveFiltersDefaultsToHash(t *testing.T) {
	require.Equal(t, []string{"#"}, effectiveFilters(nil))
	require.Equal(t, []string{"x/#"}, effectiveFilters([]string{"x/#"}))
}
