package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nFOO_FROM_DOTENV=abc\n\nBAR_FROM_DOTENV = spaced \nMALFORMED\n=nokey\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("FOO_FROM_DOTENV", "")
	t.Setenv("BAR_FROM_DOTENV", "")
	os.Unsetenv("FOO_FROM_DOTENV")
	os.Unsetenv("BAR_FROM_DOTENV")

	loadDotEnv(path)

	if got := os.Getenv("FOO_FROM_DOTENV"); got != "abc" {
		t.Fatalf("FOO_FROM_DOTENV = %q", got)
	}
	if got := os.Getenv("BAR_FROM_DOTENV"); got != "spaced" {
		t.Fatalf("BAR_FROM_DOTENV = %q", got)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("EXISTING_VAR=new\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("EXISTING_VAR", "original")

	loadDotEnv(path)

	if got := os.Getenv("EXISTING_VAR"); got != "original" {
		t.Fatalf("EXISTING_VAR = %q, existing env must win", got)
	}
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(nil) {
		t.Fatal("nil error")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unrelated error")
	}
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:7800: bind: address already in use")) {
		t.Fatal("bind error not detected")
	}
}
