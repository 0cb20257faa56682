package rawstore

import (
	"net/textproto"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/resilience"
)

func TestParseFTPBase(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{"default port", "ftp://ftp.example.gov/pub/disclosures", "ftp.example.gov:21", "/pub/disclosures", false},
		{"explicit port", "ftp://ftp.example.gov:2121/pub", "ftp.example.gov:2121", "/pub", false},
		{"root path", "ftp://ftp.example.gov", "ftp.example.gov:21", "", false},
		{"wrong scheme", "https://example.gov/pub", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, basePath, err := parseFTPBase(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, basePath)
		})
	}
}

func TestNewFTPStoreRejectsBadURL(t *testing.T) {
	_, err := NewFTPStore(config.RawConfig{Backend: "ftp", BaseURL: "http://not-ftp.example.gov"})
	require.Error(t, err)
}

func TestClassifyFTPErr(t *testing.T) {
	t.Run("550 maps to the not-found sentinel", func(t *testing.T) {
		err := classifyFTPErr(&textproto.Error{Code: 550, Msg: "File not found"}, ErrPartitionNotAvailable)
		assert.ErrorIs(t, err, ErrPartitionNotAvailable)
		assert.False(t, resilience.IsTransient(err))
	})

	t.Run("server trouble is transient", func(t *testing.T) {
		err := classifyFTPErr(&textproto.Error{Code: 421, Msg: "Service not available"}, ErrPartitionNotAvailable)
		assert.True(t, resilience.IsTransient(err))
	})

	t.Run("network failure is transient", func(t *testing.T) {
		err := classifyFTPErr(eris.New("connection reset"), ErrDocumentNotFound)
		assert.True(t, resilience.IsTransient(err))
	})
}
