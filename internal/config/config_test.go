package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("sekrit"))

	tcases := []struct {
		name    string
		addr    string
		dsn     string
		secret  string
		wantErr bool
	}{
		{
			name:   "valid config",
			addr:   "localhost:8000",
			dsn:    "host=localhost user=postgres",
			secret: secret,
		},
		{
			name:    "missing addr",
			dsn:     "host=localhost user=postgres",
			secret:  secret,
			wantErr: true,
		},
		{
			name:    "missing dsn",
			addr:    "localhost:8000",
			secret:  secret,
			wantErr: true,
		},
		{
			name:    "missing secret",
			addr:    "localhost:8000",
			dsn:     "host=localhost user=postgres",
			wantErr: true,
		},
		{
			name:    "secret not base64",
			addr:    "localhost:8000",
			dsn:     "host=localhost user=postgres",
			secret:  "not base64!!!",
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.addr, tc.dsn, tc.secret, []string{"http://localhost:3000"})
			if tc.wantErr {
				assert.Error(t, err, "expected error")
				return
			}

			assert.NoError(t, err, "expected no error")
			assert.Equal(t, tc.addr, cfg.ServerAddr, "expected server address")
			assert.Equal(t, tc.dsn, cfg.DatabaseDSN, "expected dsn")
			assert.Equal(t, []byte("sekrit"), cfg.SigningKey, "expected decoded signing key")
			assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins, "expected origins")
		})
	}
}
