// Package registry is a client for the directory service that stores device and module
// identities.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/iothub-harness/connection-tests/iothub"
)

const (
	apiVersion     = "2021-04-12"
	requestTimeout = 30 * time.Second
)

// Client manages identity records. It is safe for concurrent use.
type Client struct {
	hub        iothub.HubConnectionString
	baseURL    string
	httpClient *http.Client
	loggers    ldlog.Loggers
	now        func() time.Time
}

type Option func(*Client)

// WithBaseURL overrides the https://<HostName> endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithLoggers(l ldlog.Loggers) Option {
	return func(c *Client) { c.loggers = l }
}

func NewClient(hub iothub.HubConnectionString, opts ...Option) *Client {
	c := &Client{
		hub:        hub,
		baseURL:    "https://" + hub.HostName,
		httpClient: &http.Client{Timeout: requestTimeout},
		loggers:    ldlog.NewDisabledLoggers(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HostName is the hub host that device clients connect to.
func (c *Client) HostName() string {
	return c.hub.HostName
}

func devicePath(deviceID string) string {
	return "/devices/" + url.PathEscape(deviceID)
}

func modulePath(deviceID, moduleID string) string {
	return devicePath(deviceID) + "/modules/" + url.PathEscape(moduleID)
}

func (c *Client) AddDevice(ctx context.Context, d Device) (Device, error) {
	var created Device
	err := c.do(ctx, http.MethodPut, devicePath(d.DeviceID), d, &created)
	return created, err
}

func (c *Client) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := c.do(ctx, http.MethodGet, devicePath(deviceID), nil, &d)
	return d, err
}

// DeleteDevice removes a device and, on the service side, all of its modules.
func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, devicePath(deviceID), nil, nil)
}

func (c *Client) AddModule(ctx context.Context, m Module) (Module, error) {
	var created Module
	err := c.do(ctx, http.MethodPut, modulePath(m.DeviceID, m.ModuleID), m, &created)
	return created, err
}

func (c *Client) GetModule(ctx context.Context, deviceID, moduleID string) (Module, error) {
	var m Module
	err := c.do(ctx, http.MethodGet, modulePath(deviceID, moduleID), nil, &m)
	return m, err
}

func (c *Client) DeleteModule(ctx context.Context, deviceID, moduleID string) error {
	return c.do(ctx, http.MethodDelete, modulePath(deviceID, moduleID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(data)
		c.loggers.Debugf("%s %s: %s", method, path, string(data))
	} else {
		c.loggers.Debugf("%s %s", method, path)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?api-version="+apiVersion, reader)
	if err != nil {
		return err
	}
	token, err := c.hub.ServiceToken(c.now().Add(iothub.DefaultTokenLifetime))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodDelete {
		req.Header.Set("If-Match", "*")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("malformed response from directory service: %s", string(data))
		}
	}
	return nil
}
