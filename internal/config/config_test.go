package config_test

import (
	"strings"
	"testing"

	"handoff/internal/codec"
	"handoff/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("home")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Limits.FileCap != codec.FileCap || cfg.Limits.AttachmentThreshold != codec.ExternalizeThreshold {
		t.Fatalf("default limits = %+v", cfg.Limits)
	}
}

func TestFromYAMLFillsLimits(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
exchange:
  id: home
storage:
  kind: fs
  root: /var/lib/handoff
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Limits.FileCap != codec.FileCap {
		t.Fatalf("file_cap = %d", cfg.Limits.FileCap)
	}
	if cfg.Limits.AttachmentThreshold != codec.ExternalizeThreshold {
		t.Fatalf("attachment_threshold = %d", cfg.Limits.AttachmentThreshold)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing exchange id",
			yaml: "storage:\n  kind: fs\n  root: x\n",
			want: "exchange.id",
		},
		{
			name: "unknown storage kind",
			yaml: "exchange:\n  id: home\nstorage:\n  kind: ftp\n",
			want: "storage.kind",
		},
		{
			name: "s3 without bucket",
			yaml: "exchange:\n  id: home\nstorage:\n  kind: s3\n  region: eu-west-1\n",
			want: "storage.bucket",
		},
		{
			name: "threshold above cap",
			yaml: "exchange:\n  id: home\nstorage:\n  kind: fs\n  root: x\nlimits:\n  file_cap: 100\n  attachment_threshold: 200\n",
			want: "attachment_threshold",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := config.Default("home")
	cfg.Notify.URL = "https://hooks.example.com/handoff"
	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	parsed, err := config.FromYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if parsed.Exchange.ID != "home" || parsed.Notify.URL != cfg.Notify.URL {
		t.Fatalf("round trip changed config: %+v", parsed)
	}
}
