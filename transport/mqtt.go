package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/samber/lo"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/iothub"
)

const (
	mqttAPIVersion = "2021-04-12"
	// The device endpoint only accepts MQTT 3.1.1.
	mqttProtocolLevel  = 4
	mqttKeepAlive      = 60 * time.Second
	mqttWebSocketName  = "mqtt"
	mqttQoSAtLeastOnce = 1
	// milliseconds Disconnect waits for the DISCONNECT packet to be written
	mqttDisconnectQuiesce = 250
)

type mqttClient struct {
	protocol Protocol
	desc     iothub.Descriptor
	cert     *certs.Material
	opts     Options
	conn     net.Conn
	client   mqtt.Client
	lock     sync.Mutex
}

func newMQTTClient(protocol Protocol, desc iothub.Descriptor, cert *certs.Material, opts Options) *mqttClient {
	return &mqttClient{protocol: protocol, desc: desc, cert: cert, opts: opts}
}

func (c *mqttClient) clientID() string {
	if c.desc.IsModule() {
		return c.desc.DeviceID + "/" + c.desc.ModuleID
	}
	return c.desc.DeviceID
}

func (c *mqttClient) username() string {
	return fmt.Sprintf("%s/%s/?api-version=%s", c.desc.HostName, c.clientID(), mqttAPIVersion)
}

// eventsTopic carries the message ID and application properties as a property bag appended
// to the topic, since MQTT 3.1.1 has no user properties.
func (c *mqttClient) eventsTopic(msg Message) string {
	topic := fmt.Sprintf("devices/%s/messages/events/", c.desc.DeviceID)
	if c.desc.IsModule() {
		topic = fmt.Sprintf("devices/%s/modules/%s/messages/events/", c.desc.DeviceID, c.desc.ModuleID)
	}
	return topic + propertyBag(msg)
}

func propertyBag(msg Message) string {
	var pairs []string
	if msg.MessageID != "" {
		pairs = append(pairs, "$.mid="+escapeProperty(msg.MessageID))
	}
	keys := lo.Keys(msg.Properties)
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, escapeProperty(k)+"="+escapeProperty(msg.Properties[k]))
	}
	return strings.Join(pairs, "&")
}

func escapeProperty(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func (c *mqttClient) brokerURL() string {
	if c.protocol == MQTTWebSocket {
		return "wss://" + endpoint(c.desc.HostName, portHTTPS, c.opts) + websocketPath
	}
	return "ssl://" + endpoint(c.desc.HostName, portMQTT, c.opts)
}

func (c *mqttClient) clientOptions() (*mqtt.ClientOptions, error) {
	clientID := c.clientID()
	o := mqtt.NewClientOptions().
		AddBroker(c.brokerURL()).
		SetClientID(clientID).
		SetUsername(c.username()).
		SetProtocolVersion(mqttProtocolLevel).
		SetCleanSession(true).
		SetKeepAlive(mqttKeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.opts.Loggers.Debugf("MQTT client %s lost its connection: %s", clientID, err)
		})
	if !c.desc.X509 {
		token, err := c.desc.Token(c.opts.tokenExpiry())
		if err != nil {
			return nil, err
		}
		o.SetPassword(token)
	}
	return o, nil
}

func (c *mqttClient) dial(ctx context.Context) (net.Conn, error) {
	if c.protocol == MQTTWebSocket {
		return dialWebSocket(ctx, c.desc.HostName, mqttWebSocketName, c.cert, c.opts)
	}
	return dialTLS(ctx, c.desc.HostName, portMQTT, c.cert, c.opts)
}

func (c *mqttClient) Open(ctx context.Context) error {
	o, err := c.clientOptions()
	if err != nil {
		return err
	}

	// The connection is dialled here so the proxy and ctx apply. paho only runs the session.
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	o.SetCustomOpenConnectionFn(func(*url.URL, mqtt.ClientOptions) (net.Conn, error) {
		return conn, nil
	})

	client := mqtt.NewClient(o)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		conn.Close()
		return connectError(token, err)
	}

	c.lock.Lock()
	c.conn, c.client = conn, client
	c.lock.Unlock()
	c.opts.Loggers.Debugf("Opened %s connection for %s", describeEndpoint(c.protocol, c.desc.HostName, c.opts), o.ClientID)
	return nil
}

// connectError turns a refused CONNACK into a RejectionError.
func connectError(token mqtt.Token, err error) error {
	ct, ok := token.(*mqtt.ConnectToken)
	if !ok {
		return err
	}
	if rc := ct.ReturnCode(); rc != packets.Accepted && rc < packets.ErrNetworkError {
		return &RejectionError{Stage: "mqtt connect", Reason: fmt.Sprintf("CONNACK return code %d", rc), Err: err}
	}
	return err
}

func (c *mqttClient) SendEvent(ctx context.Context, msg Message) error {
	c.lock.Lock()
	client := c.client
	c.lock.Unlock()
	if client == nil {
		return errors.New("MQTT client is not open")
	}
	token := client.Publish(c.eventsTopic(msg), mqttQoSAtLeastOnce, false, msg.Body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *mqttClient) Close(context.Context) error {
	c.lock.Lock()
	conn, client := c.conn, c.client
	c.conn, c.client = nil, nil
	c.lock.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(mqttDisconnectQuiesce)
	_ = conn.Close() // usually already closed by Disconnect
	return nil
}
