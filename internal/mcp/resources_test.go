package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClusterStatusURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		wantID    string
		wantError bool
		errSubstr string
	}{
		{
			name:   "valid simple cluster ID",
			uri:    "sekimon://clusters/alpha/status",
			wantID: "alpha",
		},
		{
			name:   "valid cluster ID with dots and hyphens",
			uri:    "sekimon://clusters/gpu-pool.eu_1/status",
			wantID: "gpu-pool.eu_1",
		},
		{
			name:      "empty cluster ID",
			uri:       "sekimon://clusters//status",
			wantError: true,
			errSubstr: "cluster_id is required",
		},
		{
			name:      "cluster ID with slash",
			uri:       "sekimon://clusters/a/b/status",
			wantError: true,
			errSubstr: "invalid character",
		},
		{
			name:      "wrong prefix",
			uri:       "other://clusters/alpha/status",
			wantError: true,
			errSubstr: "invalid cluster status URI",
		},
		{
			name:      "missing /status suffix",
			uri:       "sekimon://clusters/alpha",
			wantError: true,
			errSubstr: "invalid cluster status URI",
		},
		{
			name:      "empty string",
			uri:       "",
			wantError: true,
			errSubstr: "invalid cluster status URI",
		},
		{
			name:   "cluster ID containing status substring",
			uri:    "sekimon://clusters/status-checker/status",
			wantID: "status-checker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clusterID, err := parseClusterStatusURI(tt.uri)

			if tt.wantError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				assert.Empty(t, clusterID)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, clusterID)
		})
	}
}
