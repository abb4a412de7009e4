package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/iothub"
)

const httpsAPIVersion = "2020-09-30"

type httpClient struct {
	desc   iothub.Descriptor
	cert   *certs.Material
	opts   Options
	client *http.Client
	lock   sync.Mutex
}

func newHTTPClient(desc iothub.Descriptor, cert *certs.Material, opts Options) *httpClient {
	return &httpClient{desc: desc, cert: cert, opts: opts}
}

// Open builds the HTTP client. Nothing is sent until SendEvent.
func (c *httpClient) Open(ctx context.Context) error {
	d, err := contextDialer(c.opts)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.client = &http.Client{
		Transport: &http.Transport{
			DialContext:     d.DialContext,
			TLSClientConfig: tlsConfig(c.desc.HostName, c.cert, c.opts),
			Proxy:           nil,
		},
	}
	c.opts.Loggers.Debugf("Prepared %s client for %s", describeEndpoint(HTTPS, c.desc.HostName, c.opts), c.desc.ResourceURI())
	return nil
}

func (c *httpClient) eventsURL() string {
	path := "/devices/" + url.PathEscape(c.desc.DeviceID)
	if c.desc.IsModule() {
		path += "/modules/" + url.PathEscape(c.desc.ModuleID)
	}
	return fmt.Sprintf("https://%s%s/messages/events?api-version=%s",
		endpoint(c.desc.HostName, portHTTPS, c.opts), path, httpsAPIVersion)
}

func (c *httpClient) SendEvent(ctx context.Context, msg Message) error {
	c.lock.Lock()
	client := c.client
	c.lock.Unlock()
	if client == nil {
		return errors.New("HTTPS client is not open")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL(), bytes.NewReader(msg.Body))
	if err != nil {
		return err
	}
	req.Host = c.desc.HostName
	if !c.desc.X509 {
		token, err := c.desc.Token(c.opts.tokenExpiry())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if msg.MessageID != "" {
		req.Header.Set("iothub-messageid", msg.MessageID)
	}
	for k, v := range msg.Properties {
		req.Header.Set("iothub-app-"+k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyDialError(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.opts.Loggers.Debugf("Sent event for %s over HTTPS", c.desc.ResourceURI())
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &RejectionError{Stage: "request", Reason: resp.Status, Err: errors.New(string(body))}
	default:
		return fmt.Errorf("sending event returned %s: %s", resp.Status, body)
	}
}

func (c *httpClient) Close(context.Context) error {
	c.lock.Lock()
	client := c.client
	c.client = nil
	c.lock.Unlock()
	if client != nil {
		client.CloseIdleConnections()
	}
	return nil
}
