package authflow

import (
	"strings"
	"testing"

	"github.com/MrEthical07/authflow/mail"
)

func TestBuildClonesConfig(t *testing.T) {
	cfg := testConfig()
	b := New().
		WithConfig(cfg).
		WithProvider(newFakeProvider()).
		WithDirectory(newMemDirectory()).
		WithMailer(mail.NewOutbox())

	cfg.JWT.PrivateKey[0] = 'X'
	cfg.CSRF.Scope = ""

	o, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer o.Close()
	if o.config.JWT.PrivateKey[0] != '0' || o.config.CSRF.Scope != "default" {
		t.Fatal("caller mutation leaked into the built orchestrator")
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	b := New().
		WithConfig(testConfig()).
		WithProvider(newFakeProvider()).
		WithDirectory(newMemDirectory()).
		WithMailer(mail.NewOutbox())
	o, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer o.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second build to fail")
	}
}

func TestBuildRequiresCollaborators(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
		want string
	}{
		{
			name: "provider",
			b:    New().WithConfig(testConfig()).WithDirectory(newMemDirectory()).WithMailer(mail.NewOutbox()),
			want: "identity provider",
		},
		{
			name: "directory",
			b:    New().WithConfig(testConfig()).WithProvider(newFakeProvider()).WithMailer(mail.NewOutbox()),
			want: "user directory",
		},
		{
			name: "mailer",
			b:    New().WithConfig(testConfig()).WithProvider(newFakeProvider()).WithDirectory(newMemDirectory()),
			want: "mailer",
		},
		{
			name: "signing key",
			b:    New().WithProvider(newFakeProvider()).WithDirectory(newMemDirectory()).WithMailer(mail.NewOutbox()),
			want: "PrivateKey",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.b.Build()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
