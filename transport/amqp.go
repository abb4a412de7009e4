package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/iothub"
)

const (
	amqpWebSocketName = "AMQPWSB10"
	cbsAddress        = "$cbs"
	cbsTokenType      = "servicebus.windows.net:sastoken"
)

func eventsAddress(desc iothub.Descriptor) string {
	if desc.IsModule() {
		return fmt.Sprintf("/devices/%s/modules/%s/messages/events", desc.DeviceID, desc.ModuleID)
	}
	return fmt.Sprintf("/devices/%s/messages/events", desc.DeviceID)
}

// openAMQPConn dials the service and completes the AMQP and SASL handshakes. Certificate
// identities authenticate with SASL EXTERNAL; SAS identities connect anonymously and then
// present tokens over the claims-based-security link.
func openAMQPConn(ctx context.Context, protocol Protocol, host string, cert *certs.Material, opts Options) (*amqp.Conn, error) {
	var netConn net.Conn
	var err error
	if protocol == AMQPSWebSocket {
		netConn, err = dialWebSocket(ctx, host, amqpWebSocketName, cert, opts)
	} else {
		netConn, err = dialTLS(ctx, host, portAMQPS, cert, opts)
	}
	if err != nil {
		return nil, err
	}
	saslType := amqp.SASLTypeAnonymous()
	if cert != nil {
		saslType = amqp.SASLTypeExternal("")
	}
	conn, err := amqp.NewConn(ctx, netConn, &amqp.ConnOptions{
		SASLType:    saslType,
		HostName:    host,
		ContainerID: uuid.New().String(),
	})
	if err != nil {
		netConn.Close()
		return nil, classifyAMQPError("amqp open", err)
	}
	return conn, nil
}

// classifyAMQPError reports authorization failures from the peer as RejectionErrors.
func classifyAMQPError(stage string, err error) error {
	var remote *amqp.Error
	var linkErr *amqp.LinkError
	var connErr *amqp.ConnError
	var sessionErr *amqp.SessionError
	switch {
	case errors.As(err, &linkErr) && linkErr.RemoteErr != nil:
		remote = linkErr.RemoteErr
	case errors.As(err, &connErr) && connErr.RemoteErr != nil:
		remote = connErr.RemoteErr
	case errors.As(err, &sessionErr) && sessionErr.RemoteErr != nil:
		remote = sessionErr.RemoteErr
	default:
		_ = errors.As(err, &remote)
	}
	if remote != nil && (remote.Condition == amqp.ErrCondUnauthorizedAccess || remote.Condition == amqp.ErrCondNotAllowed) {
		return &RejectionError{Stage: stage, Reason: string(remote.Condition), Err: err}
	}
	return classifyDialError(err)
}

// cbsLink is a request/response pair of links to the claims-based-security node.
type cbsLink struct {
	sender   *amqp.Sender
	receiver *amqp.Receiver
	replyTo  string
	lock     sync.Mutex
}

func newCBSLink(ctx context.Context, session *amqp.Session) (*cbsLink, error) {
	replyTo := "cbs-" + uuid.New().String()
	sender, err := session.NewSender(ctx, cbsAddress, nil)
	if err != nil {
		return nil, classifyAMQPError("cbs attach", err)
	}
	receiver, err := session.NewReceiver(ctx, cbsAddress, &amqp.ReceiverOptions{TargetAddress: replyTo})
	if err != nil {
		_ = sender.Close(ctx)
		return nil, classifyAMQPError("cbs attach", err)
	}
	return &cbsLink{sender: sender, receiver: receiver, replyTo: replyTo}, nil
}

func putTokenRequest(audience, token, replyTo string) *amqp.Message {
	return &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID: uuid.New().String(),
			ReplyTo:   &replyTo,
		},
		ApplicationProperties: map[string]any{
			"operation": "put-token",
			"type":      cbsTokenType,
			"name":      audience,
		},
		Value: token,
	}
}

// putTokenStatus extracts the status code and description from a CBS response.
func putTokenStatus(resp *amqp.Message) (int, string) {
	var code int
	switch v := resp.ApplicationProperties["status-code"].(type) {
	case int32:
		code = int(v)
	case int64:
		code = int(v)
	case int:
		code = v
	}
	desc, _ := resp.ApplicationProperties["status-description"].(string)
	return code, desc
}

// putToken authorizes audience on the connection. Requests are serialized because responses
// are read from a single reply link.
func (l *cbsLink) putToken(ctx context.Context, audience, token string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err := l.sender.Send(ctx, putTokenRequest(audience, token, l.replyTo), nil); err != nil {
		return classifyAMQPError("cbs put-token", err)
	}
	resp, err := l.receiver.Receive(ctx, nil)
	if err != nil {
		return classifyAMQPError("cbs put-token", err)
	}
	_ = l.receiver.AcceptMessage(ctx, resp)

	code, desc := putTokenStatus(resp)
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401 || code == 403:
		return &RejectionError{Stage: "cbs put-token", Reason: fmt.Sprintf("status %d %s", code, desc)}
	default:
		return fmt.Errorf("put-token for %s returned status %d %s", audience, code, desc)
	}
}

func (l *cbsLink) close(ctx context.Context) {
	_ = l.sender.Close(ctx)
	_ = l.receiver.Close(ctx)
}

func toAMQPMessage(msg Message) *amqp.Message {
	m := amqp.NewMessage(msg.Body)
	if msg.MessageID != "" {
		m.Properties = &amqp.MessageProperties{MessageID: msg.MessageID}
	}
	if len(msg.Properties) > 0 {
		m.ApplicationProperties = make(map[string]any, len(msg.Properties))
		for k, v := range msg.Properties {
			m.ApplicationProperties[k] = v
		}
	}
	return m
}

type amqpClient struct {
	protocol Protocol
	desc     iothub.Descriptor
	cert     *certs.Material
	opts     Options
	conn     *amqp.Conn
	sender   *amqp.Sender
	lock     sync.Mutex
}

func newAMQPClient(protocol Protocol, desc iothub.Descriptor, cert *certs.Material, opts Options) *amqpClient {
	return &amqpClient{protocol: protocol, desc: desc, cert: cert, opts: opts}
}

func (c *amqpClient) Open(ctx context.Context) error {
	conn, err := openAMQPConn(ctx, c.protocol, c.desc.HostName, c.cert, c.opts)
	if err != nil {
		return err
	}
	sender, err := c.attach(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.lock.Lock()
	c.conn, c.sender = conn, sender
	c.lock.Unlock()
	c.opts.Loggers.Debugf("Opened %s connection for %s", describeEndpoint(c.protocol, c.desc.HostName, c.opts), c.desc.ResourceURI())
	return nil
}

func (c *amqpClient) attach(ctx context.Context, conn *amqp.Conn) (*amqp.Sender, error) {
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, classifyAMQPError("amqp session", err)
	}
	if !c.desc.X509 {
		token, err := c.desc.Token(c.opts.tokenExpiry())
		if err != nil {
			return nil, err
		}
		cbs, err := newCBSLink(ctx, session)
		if err != nil {
			return nil, err
		}
		err = cbs.putToken(ctx, c.desc.ResourceURI(), token)
		cbs.close(ctx)
		if err != nil {
			return nil, err
		}
	}
	sender, err := session.NewSender(ctx, eventsAddress(c.desc), nil)
	if err != nil {
		return nil, classifyAMQPError("amqp attach", err)
	}
	return sender, nil
}

func (c *amqpClient) SendEvent(ctx context.Context, msg Message) error {
	c.lock.Lock()
	sender := c.sender
	c.lock.Unlock()
	if sender == nil {
		return errors.New("AMQP client is not open")
	}
	if err := sender.Send(ctx, toAMQPMessage(msg), nil); err != nil {
		return classifyAMQPError("amqp send", err)
	}
	return nil
}

func (c *amqpClient) Close(context.Context) error {
	c.lock.Lock()
	conn := c.conn
	c.conn, c.sender = nil, nil
	c.lock.Unlock()
	if conn == nil {
		return nil
	}
	return ignoreClosed(conn.Close())
}

func ignoreClosed(err error) error {
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) && connErr.RemoteErr == nil {
		return nil
	}
	return err
}
