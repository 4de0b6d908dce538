package recorder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaycast/relaycast/internal/test/mocks"
	. "github.com/relaycast/relaycast/pkg/recorder"
)

// TestS3ConfigEnabled tests that mirroring only activates with a complete
// configuration.
func TestS3ConfigEnabled(t *testing.T) {
	assert.False(t, S3Config{}.Enabled())
	assert.False(t, S3Config{Endpoint: "s3.local", Bucket: "vod"}.Enabled())
	assert.True(t, S3Config{
		Endpoint: "s3.local", Bucket: "vod", AccessKey: "ak", SecretKey: "sk",
	}.Enabled())
}

// TestNewMirrorDisabled tests that an incomplete configuration yields nil,
// which the bridge treats as "no mirror".
func TestNewMirrorDisabled(t *testing.T) {
	m := NewMirror(S3Config{}, "show", t.TempDir(), mocks.NewMockLogger())
	assert.Nil(t, m)
}
