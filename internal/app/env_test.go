package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("PARLEY_TEST_STR", "  hello  ")
	if got := EnvString("PARLEY_TEST_STR", "def"); got != "hello" {
		t.Fatalf("got=%q", got)
	}
	if got := EnvString("PARLEY_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("got=%q", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("PARLEY_TEST_BOOL", "true")
	if !EnvBool("PARLEY_TEST_BOOL", false) {
		t.Fatal("true not parsed")
	}
	t.Setenv("PARLEY_TEST_BOOL", "banana")
	if EnvBool("PARLEY_TEST_BOOL", false) {
		t.Fatal("invalid value did not fall back to default")
	}
	if !EnvBool("PARLEY_TEST_BOOL_MISSING", true) {
		t.Fatal("missing value did not fall back to default")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("PARLEY_TEST_INT", "42")
	if got := EnvInt("PARLEY_TEST_INT", 7); got != 42 {
		t.Fatalf("got=%d", got)
	}
	t.Setenv("PARLEY_TEST_INT", "-5")
	if got := EnvInt("PARLEY_TEST_INT", 7); got != 7 {
		t.Fatalf("non-positive value got=%d want default", got)
	}
	t.Setenv("PARLEY_TEST_INT", "x")
	if got := EnvInt("PARLEY_TEST_INT", 7); got != 7 {
		t.Fatalf("invalid value got=%d want default", got)
	}
}

func TestEnvInt32(t *testing.T) {
	t.Setenv("PARLEY_TEST_INT32", "10")
	if got := EnvInt32("PARLEY_TEST_INT32", 3); got != 10 {
		t.Fatalf("got=%d", got)
	}
	t.Setenv("PARLEY_TEST_INT32", "0")
	if got := EnvInt32("PARLEY_TEST_INT32", 3); got != 0 {
		t.Fatalf("zero is valid for int32, got=%d", got)
	}
	t.Setenv("PARLEY_TEST_INT32", "-1")
	if got := EnvInt32("PARLEY_TEST_INT32", 3); got != 3 {
		t.Fatalf("negative value got=%d want default", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("PARLEY_TEST_DUR", "90s")
	if got := EnvDuration("PARLEY_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("got=%v", got)
	}
	t.Setenv("PARLEY_TEST_DUR", "0s")
	if got := EnvDuration("PARLEY_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("non-positive value got=%v want default", got)
	}
	t.Setenv("PARLEY_TEST_DUR", "soon")
	if got := EnvDuration("PARLEY_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("invalid value got=%v want default", got)
	}
}
