// Package iothub holds the string formats shared by the directory service and the device
// clients: connection descriptors and shared access signature tokens.
package iothub

import (
	"errors"
	"fmt"
	"strings"
)

const (
	keyHostName            = "HostName"
	keyDeviceID            = "DeviceId"
	keyModuleID            = "ModuleId"
	keySharedAccessKey     = "SharedAccessKey"
	keySharedAccessKeyName = "SharedAccessKeyName"
	keyX509                = "x509"
)

// Descriptor is the connection string a device or module client is built from:
//
//	HostName=<host>;DeviceId=<id>[;ModuleId=<id>];{SharedAccessKey=<key>|x509=true}
type Descriptor struct {
	HostName        string
	DeviceID        string
	ModuleID        string
	SharedAccessKey string
	X509            bool
}

// IsModule reports whether the descriptor identifies a module rather than a device.
func (d Descriptor) IsModule() bool {
	return d.ModuleID != ""
}

// Validate checks that host and device are present and exactly one credential is set.
func (d Descriptor) Validate() error {
	if d.HostName == "" {
		return errors.New("connection descriptor has no HostName")
	}
	if d.DeviceID == "" {
		return errors.New("connection descriptor has no DeviceId")
	}
	if (d.SharedAccessKey == "") == !d.X509 {
		return errors.New("connection descriptor must have exactly one of SharedAccessKey or x509=true")
	}
	return nil
}

// String renders the descriptor in its canonical key order. It does not validate.
func (d Descriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s;%s=%s", keyHostName, d.HostName, keyDeviceID, d.DeviceID)
	if d.ModuleID != "" {
		fmt.Fprintf(&b, ";%s=%s", keyModuleID, d.ModuleID)
	}
	if d.X509 {
		fmt.Fprintf(&b, ";%s=true", keyX509)
	} else {
		fmt.Fprintf(&b, ";%s=%s", keySharedAccessKey, d.SharedAccessKey)
	}
	return b.String()
}

// ParseDescriptor parses and validates a device or module connection string.
func ParseDescriptor(s string) (Descriptor, error) {
	fields, err := parseFields(s)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		HostName:        fields[strings.ToLower(keyHostName)],
		DeviceID:        fields[strings.ToLower(keyDeviceID)],
		ModuleID:        fields[strings.ToLower(keyModuleID)],
		SharedAccessKey: fields[strings.ToLower(keySharedAccessKey)],
		X509:            strings.EqualFold(fields[strings.ToLower(keyX509)], "true"),
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// HubConnectionString is the service-side connection string used to manage identities.
type HubConnectionString struct {
	HostName            string
	SharedAccessKeyName string
	SharedAccessKey     string
}

// ParseHubConnectionString parses a service connection string such as
// "HostName=h.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=...".
func ParseHubConnectionString(s string) (HubConnectionString, error) {
	fields, err := parseFields(s)
	if err != nil {
		return HubConnectionString{}, err
	}
	h := HubConnectionString{
		HostName:            fields[strings.ToLower(keyHostName)],
		SharedAccessKeyName: fields[strings.ToLower(keySharedAccessKeyName)],
		SharedAccessKey:     fields[strings.ToLower(keySharedAccessKey)],
	}
	switch {
	case h.HostName == "":
		return HubConnectionString{}, errors.New("hub connection string has no HostName")
	case h.SharedAccessKeyName == "":
		return HubConnectionString{}, errors.New("hub connection string has no SharedAccessKeyName")
	case h.SharedAccessKey == "":
		return HubConnectionString{}, errors.New("hub connection string has no SharedAccessKey")
	}
	return h, nil
}

// HubName is the first label of the host name.
func (h HubConnectionString) HubName() string {
	if i := strings.Index(h.HostName, "."); i > 0 {
		return h.HostName[:i]
	}
	return h.HostName
}

// Keys are matched case-insensitively; values keep their case and may contain '='.
func parseFields(s string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("malformed connection string segment %q", part)
		}
		key := strings.ToLower(strings.TrimSpace(part[:eq]))
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("duplicate connection string key %q", part[:eq])
		}
		fields[key] = part[eq+1:]
	}
	return fields, nil
}
