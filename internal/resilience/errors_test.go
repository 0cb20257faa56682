package resilience

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(eris.New("x"), 503), true},
		{"wrapped transient", eris.Wrap(NewTransientError(eris.New("x"), 429), "fetch fingerprint"), true},
		{"plain error", eris.New("unknown entity type"), false},
		{"timeout message", eris.New("read tcp: i/o timeout"), true},
		{"connection reset message", eris.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "transient", ClassifyError(NewTransientError(eris.New("x"), 503)))
	assert.Equal(t, "permanent", ClassifyError(eris.New("bad payload")))
}
