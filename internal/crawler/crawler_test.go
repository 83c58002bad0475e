package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://WWW.Instagram.com:443/p/ABC/#comments": "https://www.instagram.com/p/ABC/",
		"http://example.com:80/reel/x/?b=2&a=1":         "http://example.com/reel/x/?a=1&b=2",
		" https://instagram.com/p/X/?igsh=abc&utm_source=ig_web_copy_link ": "https://instagram.com/p/X/",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeURL("http://[::1")
	require.Error(t, err)
	_, err = NormalizeURL("/p/relative/")
	require.Error(t, err)
}

func TestRetryPolicyBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2, time.Second, 3*time.Second)
	assert.Equal(t, 3, p.Attempts())
	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(1))
	assert.False(t, p.ShouldRetry(2))

	for range 20 {
		d := p.Backoff(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
		assert.Equal(t, 3*time.Second, p.Backoff(5))
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(-1, 0, 0)
	assert.Equal(t, 1, p.Attempts())
	assert.LessOrEqual(t, p.Backoff(10), 30*time.Second)
	assert.Zero(t, Jitter(0))
}

func TestFieldsFirst(t *testing.T) {
	t.Parallel()

	f := Fields{FieldCaption: {"hello", "ignored"}}
	assert.Equal(t, "hello", f.First(FieldCaption))
	assert.Empty(t, f.First(FieldEmails))
}

func TestErrorKindsAreDistinct(t *testing.T) {
	t.Parallel()

	wrapped := errors.Join(ErrFetchTimeout, errors.New("ctx"))
	assert.ErrorIs(t, wrapped, ErrFetchTimeout)
	assert.NotErrorIs(t, wrapped, ErrFetch)
}
