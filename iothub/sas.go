package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultTokenLifetime is how long generated tokens stay valid.
const DefaultTokenLifetime = time.Hour

// NewSASToken signs resourceURI with a base64-encoded shared key. policyName is empty for
// device and module tokens.
func NewSASToken(resourceURI, key, policyName string, expiry time.Time) (string, error) {
	rawKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("shared access key is not valid base64: %w", err)
	}
	sr := url.QueryEscape(strings.ToLower(resourceURI))
	se := expiry.Unix()

	mac := hmac.New(sha256.New, rawKey)
	fmt.Fprintf(mac, "%s\n%d", sr, se)
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d", sr, sig, se)
	if policyName != "" {
		token += "&skn=" + url.QueryEscape(policyName)
	}
	return token, nil
}

// ServiceToken returns a token for the whole hub, used by the directory-service client.
func (h HubConnectionString) ServiceToken(expiry time.Time) (string, error) {
	return NewSASToken(h.HostName, h.SharedAccessKey, h.SharedAccessKeyName, expiry)
}

// ResourceURI is the audience a device or module token is scoped to.
func (d Descriptor) ResourceURI() string {
	if d.IsModule() {
		return fmt.Sprintf("%s/devices/%s/modules/%s", d.HostName, d.DeviceID, d.ModuleID)
	}
	return fmt.Sprintf("%s/devices/%s", d.HostName, d.DeviceID)
}

// Token returns a SAS token for the descriptor's identity. It fails for x509 descriptors.
func (d Descriptor) Token(expiry time.Time) (string, error) {
	if d.X509 {
		return "", fmt.Errorf("identity %s authenticates with a certificate, not a SAS token", d.ResourceURI())
	}
	return NewSASToken(d.ResourceURI(), d.SharedAccessKey, "", expiry)
}
