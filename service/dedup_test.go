package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDedupCacheConstructsLazily(t *testing.T) {
	// redis.NewClient does not dial until the first command; construction
	// against an address with nothing listening must still succeed.
	d := NewDedupCache("127.0.0.1:0", "", 0, time.Minute)
	assert.NotNil(t, d)
	_ = d.Close()
}

func TestDedupKeyPrefixIsNamespaced(t *testing.T) {
	assert.Equal(t, "gateway:dedup:msg-1", dedupKeyPrefix+"msg-1")
}
