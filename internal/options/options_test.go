package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	o := Default()

	assert.Equal(t, uint64(16), o.RedzoneSize)
	assert.True(t, o.QuarantineEnabled())
	assert.True(t, o.DetectKernelArguments)
}

func TestApplyString(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr bool
		check   func(t *testing.T, o *Options)
	}{
		{
			name: "several fields",
			spec: "redzone_size:64;quarantine_bytes:1024;debug:info",
			check: func(t *testing.T, o *Options) {
				assert.Equal(t, uint64(64), o.RedzoneSize)
				assert.Equal(t, uint64(1024), o.MaxQuarantineBytes)
				assert.Equal(t, "info", o.Debug)
			},
		},
		{
			name: "whitespace and empty fields tolerated",
			spec: " detect_locals:false ;; quarantine_count:3 ",
			check: func(t *testing.T, o *Options) {
				assert.False(t, o.DetectLocals)
				assert.Equal(t, 3, o.MaxQuarantineCount)
			},
		},
		{name: "unknown key", spec: "redzones:12", wantErr: true},
		{name: "malformed field", spec: "redzone_size=12", wantErr: true},
		{name: "bad number", spec: "redzone_size:twelve", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Default()
			err := o.ApplyString(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, o)
		})
	}
}

func TestValidate_RedzoneClamping(t *testing.T) {
	tests := []struct {
		name string
		in   uint64
		want uint64
	}{
		{name: "below minimum", in: 4, want: 16},
		{name: "above maximum", in: 1 << 20, want: 2048},
		{name: "not a power of two", in: 48, want: 64},
		{name: "kept as-is", in: 256, want: 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Default()
			o.RedzoneSize = tt.in
			require.NoError(t, o.Validate())
			assert.Equal(t, tt.want, o.RedzoneSize)
		})
	}
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devsan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redzone_size: 128\nquarantine_count: 7\ndebug: verbose\n"), 0o644))

	o := Default()
	require.NoError(t, o.ApplyFile(path))

	assert.Equal(t, uint64(128), o.RedzoneSize)
	assert.Equal(t, 7, o.MaxQuarantineCount)
	assert.Equal(t, "verbose", o.Debug)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devsan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redzone_size: 128\n"), 0o644))

	env := map[string]string{
		EnvFileVar: path,
		EnvVar:     "redzone_size:512",
	}
	o, err := Load(func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, uint64(512), o.RedzoneSize)
}

func TestQuarantineEnabled(t *testing.T) {
	o := Default()
	o.MaxQuarantineBytes = 0
	o.MaxQuarantineCount = 0
	assert.False(t, o.QuarantineEnabled())

	o.MaxQuarantineCount = 1
	assert.True(t, o.QuarantineEnabled())
}
