package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectoryKeyNamespacing(t *testing.T) {
	assert.Equal(t, "IM-USER-user-1", directoryKey("user-1"))
	assert.NotEqual(t, directoryKey("a"), directoryKey("b"))
}

func TestNewDirectoryRequiresNoImmediateDial(t *testing.T) {
	// clientv3.New only establishes lazy connections; construction must
	// succeed even against an address with nothing listening.
	d, err := NewDirectory([]string{"127.0.0.1:0"}, "", "", "gateway-node-1", 0)
	if err != nil {
		t.Fatalf("NewDirectory returned error on lazy dial: %v", err)
	}
	assert.Equal(t, "gateway-node-1", d.brokerID)
	_ = d.Close()
}
