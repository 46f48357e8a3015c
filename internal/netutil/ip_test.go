package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBestLocalIP(t *testing.T) {
	ip := GetBestLocalIP()
	assert.NotEmpty(t, ip)
	assert.NotNil(t, net.ParseIP(ip))
}

func TestGetHardwareAddrUnknownIP(t *testing.T) {
	// An IP owned by no interface falls back to the first usable MAC, which
	// may legitimately be empty on hosts without network hardware.
	mac := GetHardwareAddr("203.0.113.1")
	if mac != "" {
		_, err := net.ParseMAC(mac)
		assert.NoError(t, err)
	}
}

func TestGetHostname(t *testing.T) {
	assert.NotEmpty(t, GetHostname())
}
