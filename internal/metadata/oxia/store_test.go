package oxia

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dray-io/meshsync/internal/metadata"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "empty service address",
			cfg:     Config{Namespace: "test"},
			wantErr: "service address is required",
		},
		{
			name:    "empty namespace",
			cfg:     Config{ServiceAddress: "localhost:6648"},
			wantErr: "namespace is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVersionConversion(t *testing.T) {
	if got := toVersion(0); got != 1 {
		t.Errorf("oxia version 0 maps to %d, want 1", got)
	}
	if got := fromVersion(1); got != 0 {
		t.Errorf("metadata version 1 maps to %d, want 0", got)
	}
	for _, v := range []metadata.Version{1, 7, 1 << 40} {
		if got := toVersion(fromVersion(v)); got != v {
			t.Errorf("round trip of %d gave %d", v, got)
		}
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", ""},
		{"a", "b"},
		{"abc", "abd"},
		{"/mesh/v1/cluster/prod/nodes", "/mesh/v1/cluster/prod/nodet"},
		{string([]byte{0xFF}), ""},
		{string([]byte{0x00, 0xFF}), string([]byte{0x01})},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got := prefixEnd(tt.prefix)
			if got != tt.want {
				t.Errorf("prefixEnd(%q) = %q, want %q", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	s := &Store{}
	s.closed.Store(true)
	ctx := context.Background()

	if _, err := s.Get(ctx, "k"); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("Get: expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.PutEphemeral(ctx, "k", nil); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("PutEphemeral: expected ErrStoreClosed, got %v", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("Delete: expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.List(ctx, "a/", "", 0); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("List: expected ErrStoreClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
