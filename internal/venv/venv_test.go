package venv

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "envs"), "python3", nil, discardLogger())
}

// fakeEnv materializes an environment on disk without running python.
func fakeEnv(t *testing.T, s *Store, name string) {
	t.Helper()
	bin := s.InterpreterPath(name)
	if err := os.MkdirAll(filepath.Dir(bin), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
}

func skipIfNoPython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping integration test")
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"default", "build123", "ABC", "0"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "has space", "dash-ed", "dot.dot", "../up", "semi;colon", "uni코드"}
	for _, name := range invalid {
		if !errors.Is(ValidateName(name), ErrInvalidName) {
			t.Errorf("ValidateName(%q) = nil, want ErrInvalidName", name)
		}
	}
}

func TestInterpreterPath(t *testing.T) {
	s := newTestStore(t)
	got := s.InterpreterPath("demo")
	if runtime.GOOS == "windows" {
		if filepath.Base(got) != "python.exe" {
			t.Errorf("InterpreterPath = %q", got)
		}
	} else {
		if want := filepath.Join(s.Dir("demo"), "bin", "python"); got != want {
			t.Errorf("InterpreterPath = %q, want %q", got, want)
		}
	}
}

func TestExistsAndList(t *testing.T) {
	s := newTestStore(t)

	if s.Exists("demo") {
		t.Error("Exists(demo) = true before creation")
	}

	fakeEnv(t, s, "zeta")
	fakeEnv(t, s, "alpha")

	// A directory without an interpreter is not an environment.
	if err := os.MkdirAll(s.Dir("broken"), 0750); err != nil {
		t.Fatal(err)
	}

	if !s.Exists("zeta") {
		t.Error("Exists(zeta) = false")
	}
	if s.Exists("broken") {
		t.Error("Exists(broken) = true without interpreter")
	}

	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("List() = %v, want [alpha zeta]", names)
	}
}

func TestListEmptyRoot(t *testing.T) {
	s := newTestStore(t)
	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("List() = %v, want empty", names)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	fakeEnv(t, s, "scratch")

	if err := s.Delete("scratch"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("scratch") {
		t.Error("Exists = true after delete")
	}

	// Missing directory is a no-op success.
	if err := s.Delete("scratch"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestDeleteProtectsDefault(t *testing.T) {
	s := newTestStore(t)
	fakeEnv(t, s, DefaultName)

	if err := s.Delete(DefaultName); !errors.Is(err, ErrProtected) {
		t.Errorf("Delete(default) = %v, want ErrProtected", err)
	}
	if !s.Exists(DefaultName) {
		t.Error("default environment gone after refused delete")
	}
}

func TestDeleteRejectsInvalidName(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("../escape"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Delete(../escape) = %v, want ErrInvalidName", err)
	}
}

func TestCreateRejectsInvalidAndDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "bad name"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Create(bad name) = %v, want ErrInvalidName", err)
	}

	fakeEnv(t, s, "taken")
	if err := s.Create(ctx, "taken"); !errors.Is(err, ErrExists) {
		t.Errorf("Create(taken) = %v, want ErrExists", err)
	}
}

func TestCreateSpawnFailure(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "envs"), "/nonexistent/python", nil, discardLogger())

	err := s.Create(context.Background(), "demo")
	if err == nil {
		t.Fatal("Create with missing runtime binary succeeded")
	}
	if s.Exists("demo") {
		t.Error("environment exists after failed create")
	}
}

func TestCreateAndEnsureDefault(t *testing.T) {
	skipIfNoPython(t)
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "build123"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !s.Exists("build123") {
		t.Error("Exists(build123) = false after create")
	}
	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range names {
		if n == "build123" {
			found = true
		}
	}
	if !found {
		t.Errorf("List() = %v, missing build123", names)
	}

	if err := s.EnsureDefault(ctx); err != nil {
		t.Fatalf("EnsureDefault: %v", err)
	}
	if !s.Exists(DefaultName) {
		t.Error("default environment missing after EnsureDefault")
	}
	// Idempotent.
	if err := s.EnsureDefault(ctx); err != nil {
		t.Errorf("second EnsureDefault: %v", err)
	}
}
