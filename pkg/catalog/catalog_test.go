package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AppliesDefaults(t *testing.T) {
	cat, err := New(map[string]ChallengeTemplate{
		"web-easy": {Image: "xploitrum/web-easy:latest", InternalPort: 80},
	}, nil, time.Hour)
	require.NoError(t, err)

	tmpl, ok := cat.Lookup("web-easy")
	require.True(t, ok)
	assert.Equal(t, "512m", tmpl.MemoryLimit)
	assert.Equal(t, 0.5, tmpl.CPULimit)
	assert.Equal(t, 3600, tmpl.TTLSeconds)
	assert.Equal(t, DefaultMaxConcurrentInstances, tmpl.MaxConcurrentInstances)
	assert.Equal(t, "http", tmpl.Protocol)
	assert.Equal(t, time.Hour, tmpl.TTL())
	assert.Equal(t, int64(500_000_000), tmpl.NanoCPUs())

	mem, err := tmpl.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), mem)
}

func TestNew_InvalidTemplates(t *testing.T) {
	tests := []struct {
		name     string
		template ChallengeTemplate
		errMsg   string
	}{
		{"missing image", ChallengeTemplate{InternalPort: 80}, "image cannot be empty"},
		{"bad port", ChallengeTemplate{Image: "img", InternalPort: 70000}, "invalid internal port"},
		{"bad memory", ChallengeTemplate{Image: "img", InternalPort: 80, MemoryLimit: "lots"}, "invalid memory limit"},
		{"bad protocol", ChallengeTemplate{Image: "img", InternalPort: 80, Protocol: "udp"}, "invalid protocol"},
		{"bad volume", ChallengeTemplate{Image: "img", InternalPort: 80, Volumes: []string{"/data"}}, "invalid volume spec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(map[string]ChallengeTemplate{"c": tt.template}, nil, time.Hour)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCatalog_IsDenied(t *testing.T) {
	cat, err := New(map[string]ChallengeTemplate{
		"pwn-kernel": {Image: "img", InternalPort: 1337},
	}, []string{"kernel", "  ", "rootkit"}, time.Hour)
	require.NoError(t, err)

	assert.True(t, cat.IsDenied("pwn-kernel"))
	assert.True(t, cat.IsDenied("rootkit-101"))
	assert.False(t, cat.IsDenied("web-easy"))
}

func TestCatalog_SummariesSorted(t *testing.T) {
	cat, err := New(map[string]ChallengeTemplate{
		"web-hard": {Image: "img", InternalPort: 80, TTLSeconds: 600, MaxConcurrentInstances: 2},
		"crypto":   {Image: "img", InternalPort: 9000, Protocol: "tcp"},
	}, nil, 30*time.Minute)
	require.NoError(t, err)

	summaries := cat.Summaries()
	require.Len(t, summaries, 2)
	assert.Equal(t, "crypto", summaries[0].Key)
	assert.Equal(t, "tcp", summaries[0].Protocol)
	assert.Equal(t, 1800, summaries[0].TTLSeconds)
	assert.Equal(t, "web-hard", summaries[1].Key)
	assert.Equal(t, 2, summaries[1].MaxConcurrentInstances)
	assert.Equal(t, 2, cat.Len())
	assert.Equal(t, []string{"crypto", "web-hard"}, cat.Keys())
}
