package transport

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iothub-harness/connection-tests/iothub"
)

func TestEventsAddress(t *testing.T) {
	assert.Equal(t, "/devices/dev1/messages/events", eventsAddress(sasDevice))
	module := sasDevice
	module.ModuleID = "m"
	assert.Equal(t, "/devices/dev1/modules/m/messages/events", eventsAddress(module))
}

func TestPutTokenRequest(t *testing.T) {
	msg := putTokenRequest("hub/devices/dev1", "SharedAccessSignature sr=x", "cbs-reply")
	assert.Equal(t, "put-token", msg.ApplicationProperties["operation"])
	assert.Equal(t, cbsTokenType, msg.ApplicationProperties["type"])
	assert.Equal(t, "hub/devices/dev1", msg.ApplicationProperties["name"])
	assert.Equal(t, "SharedAccessSignature sr=x", msg.Value)
	require.NotNil(t, msg.Properties.ReplyTo)
	assert.Equal(t, "cbs-reply", *msg.Properties.ReplyTo)
	assert.NotEmpty(t, msg.Properties.MessageID)
}

func TestPutTokenStatus(t *testing.T) {
	code, desc := putTokenStatus(&amqp.Message{ApplicationProperties: map[string]any{
		"status-code": int32(202), "status-description": "Accepted",
	}})
	assert.Equal(t, 202, code)
	assert.Equal(t, "Accepted", desc)

	code, _ = putTokenStatus(&amqp.Message{ApplicationProperties: map[string]any{"status-code": int64(401)}})
	assert.Equal(t, 401, code)
}

func TestToAMQPMessage(t *testing.T) {
	m := toAMQPMessage(Message{MessageID: "m1", Body: []byte("hi"), Properties: map[string]string{"k": "v"}})
	assert.Equal(t, [][]byte{[]byte("hi")}, m.Data)
	assert.Equal(t, "m1", m.Properties.MessageID)
	assert.Equal(t, "v", m.ApplicationProperties["k"])
}

func TestClassifyAMQPError(t *testing.T) {
	unauthorized := &amqp.Error{Condition: amqp.ErrCondUnauthorizedAccess, Description: "bad token"}
	var re *RejectionError
	require.True(t, errors.As(classifyAMQPError("amqp attach", &amqp.LinkError{RemoteErr: unauthorized}), &re))
	assert.Equal(t, "amqp attach", re.Stage)
	assert.Equal(t, string(amqp.ErrCondUnauthorizedAccess), re.Reason)

	require.True(t, errors.As(classifyAMQPError("amqp open", unauthorized), &re))

	other := &amqp.Error{Condition: amqp.ErrCondInternalError}
	assert.False(t, errors.As(classifyAMQPError("amqp open", other), &re))
}

func TestSharedConnectionRegistration(t *testing.T) {
	_, err := NewSharedAMQPConnection(MQTT, testHost, Options{})
	assert.Error(t, err)

	s, err := NewSharedAMQPConnection(AMQPS, testHost, Options{})
	require.NoError(t, err)

	dev2 := sasDevice
	dev2.DeviceID = "dev2"
	require.NoError(t, s.Register(sasDevice))
	require.NoError(t, s.Register(dev2))
	assert.Error(t, s.Register(sasDevice), "duplicate")

	assert.Error(t, s.Register(iothub.Descriptor{HostName: testHost, DeviceID: "x", X509: true}))
	module := sasDevice
	module.DeviceID, module.ModuleID = "dev3", "m"
	assert.Error(t, s.Register(module))
	otherHub := sasDevice
	otherHub.HostName, otherHub.DeviceID = "elsewhere.example.net", "dev4"
	assert.Error(t, s.Register(otherHub))

	assert.Equal(t, []string{"dev1", "dev2"}, s.Members())
	require.NoError(t, s.Unregister("dev1"))
	assert.ErrorIs(t, s.Unregister("dev1"), ErrNotMember)
	assert.Equal(t, []string{"dev2"}, s.Members())
}

func TestSharedConnectionOpenFailureLeavesNothingOpen(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	s, err := NewSharedAMQPConnection(AMQPS, testHost, Options{Endpoint: addr})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Open(context.Background()), ErrNoMembers)

	require.NoError(t, s.Register(sasDevice))
	assert.Error(t, s.Open(testContext(t)))
	assert.False(t, s.IsOpen())
	assert.Error(t, s.SendEvent(context.Background(), "dev1", Message{}))
	assert.NoError(t, s.Close(context.Background()))

	// registrations survive a failed open
	assert.Equal(t, []string{"dev1"}, s.Members())
}
