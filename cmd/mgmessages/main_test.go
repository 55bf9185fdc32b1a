package main

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/millegrilles/messages-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBindings(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		bindings, err := parseBindings([]string{"1.public:evenement.Test.*", "3.protege:requete.Test.lire"})
		require.NoError(t, err)
		assert.Equal(t, []messaging.Binding{
			{Exchange: "1.public", RoutingKey: "evenement.Test.*"},
			{Exchange: "3.protege", RoutingKey: "requete.Test.lire"},
		}, bindings)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, value := range []string{"1.public", ":key", "1.public:"} {
			_, err := parseBindings([]string{value})
			assert.Error(t, err, value)
		}
	})
}

func TestParsePayload(t *testing.T) {
	payload, err := parsePayload(nil)
	require.NoError(t, err)
	assert.Empty(t, payload)

	payload, err = parsePayload([]string{`{"fuuid": "abc", "n": 2}`})
	require.NoError(t, err)
	assert.Equal(t, "abc", payload["fuuid"])

	_, err = parsePayload([]string{`[1, 2]`})
	assert.Error(t, err)
}

func TestPrintReply(t *testing.T) {
	var out bytes.Buffer

	require.NoError(t, printReply(&out, &messaging.Message{Body: []byte(`{"ok":true}`)}))
	assert.JSONEq(t, `{"ok":true}`, out.String())

	out.Reset()
	require.NoError(t, printReply(&out, &messaging.Message{Body: []byte("plain")}))
	assert.Equal(t, "plain\n", out.String())

	assert.Error(t, printReply(&out, nil))
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()

	names := make([]string, 0)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"run", "request", "event"}, names)

	root.SetArgs([]string{"run"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.ErrorContains(t, root.Execute(), "--queue is required")
}

func TestCallbackChain(t *testing.T) {
	t.Run("logging only", func(t *testing.T) {
		chain := callbackChain(slog.Default(), nil, 0)
		assert.Equal(t, []string{"LoggingInterceptor"}, chain.Names())
	})

	t.Run("filter and timeout", func(t *testing.T) {
		chain := callbackChain(slog.Default(), []string{"requete.*.ping"}, time.Second)
		assert.Equal(t, []string{"LoggingInterceptor", "FilteringInterceptor", "TimeoutInterceptor"}, chain.Names())
	})
}
