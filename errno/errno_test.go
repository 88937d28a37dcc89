package errno

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		e    int
		want Kind
	}{
		{"eagain", int(unix.EAGAIN), Retryable},
		{"einprogress", int(unix.EINPROGRESS), Retryable},
		{"epipe", int(unix.EPIPE), ConnectionLost},
		{"econnreset", int(unix.ECONNRESET), ConnectionLost},
		{"etimedout", int(unix.ETIMEDOUT), ConnectionLost},
		{"econnrefused", int(unix.ECONNREFUSED), ConnectionRefused},
		{"enoent", int(unix.ENOENT), Other},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.e)
			assert.Equal(t, c.want, got.Kind)
			assert.NotEmpty(t, got.Hint)
		})
	}
}

func TestClassifyResult(t *testing.T) {
	_, isErr := ClassifyResult(42)
	assert.False(t, isErr)

	c, isErr := ClassifyResult(int32(-int(unix.ECONNRESET)))
	assert.True(t, isErr)
	assert.Equal(t, ConnectionLost, c.Kind)
}

func TestIsUnsupported(t *testing.T) {
	assert.True(t, IsUnsupported(-22))
	assert.True(t, IsUnsupported(-95))
	assert.False(t, IsUnsupported(-1))
	assert.False(t, IsUnsupported(4))
}

func TestErrno(t *testing.T) {
	assert.Nil(t, Errno(0))
	assert.Nil(t, Errno(10))
	assert.Equal(t, unix.ECONNRESET, Errno(int32(-int(unix.ECONNRESET))))
}
