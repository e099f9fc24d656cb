package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/tracedchat/tracedchat/internal/config"
)

func clearCredentialEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvOpenAIAPIKey,
		config.EnvLangfusePublicKey,
		config.EnvLangfuseSecretKey,
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestRunVersionCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"version"}, &out, &errOut); code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if out.Len() == 0 {
		t.Fatal("version command should print the version")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "usage:") {
		t.Fatalf("stderr=%q, want usage text", errOut.String())
	}
}

func TestServeRefusesWithoutCredentials(t *testing.T) {
	clearCredentialEnv(t)

	var errOut bytes.Buffer
	code := runServe([]string{"-config", "/nonexistent/config.yaml"}, &errOut)
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}

	// Every missing variable must be named so a misconfigured deployment
	// is fixed in one pass.
	output := errOut.String()
	for _, name := range []string{
		config.EnvOpenAIAPIKey,
		config.EnvLangfusePublicKey,
		config.EnvLangfuseSecretKey,
	} {
		if !strings.Contains(output, name) {
			t.Fatalf("stderr=%q, want mention of %s", output, name)
		}
	}
}

func TestServeReportsOnlyMissingCredentials(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv(config.EnvOpenAIAPIKey, "sk-test")

	var errOut bytes.Buffer
	if code := runServe(nil, &errOut); code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}

	output := errOut.String()
	if strings.Contains(output, config.EnvOpenAIAPIKey) {
		t.Fatalf("stderr=%q, must not mention variables that are set", output)
	}
	if !strings.Contains(output, config.EnvLangfusePublicKey) || !strings.Contains(output, config.EnvLangfuseSecretKey) {
		t.Fatalf("stderr=%q, want both langfuse key names", output)
	}
}

func TestServeRejectsBadFlags(t *testing.T) {
	var errOut bytes.Buffer
	if code := runServe([]string{"-bogus"}, &errOut); code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
}
