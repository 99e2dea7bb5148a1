package testutil

import (
	"bytes"
	"testing"
)

func TestKeyOrderMatchesIndex(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if bytes.Compare(Key(i), Key(i+1)) >= 0 {
			t.Fatalf("Key(%d) does not sort before Key(%d)", i, i+1)
		}
	}
}

func TestValueIsDeterministic(t *testing.T) {
	if !bytes.Equal(Value(7, 32), Value(7, 32)) {
		t.Fatal("Value must be deterministic for a seed")
	}
	if len(Value(1, 5)) != 5 {
		t.Fatal("Value must honour the requested length")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("EMBERSTORE_TEST_INT", "")
	if got := EnvInt("EMBERSTORE_TEST_INT", 3); got != 3 {
		t.Errorf("unset: got %d, want 3", got)
	}
	t.Setenv("EMBERSTORE_TEST_INT", "42")
	if got := EnvInt("EMBERSTORE_TEST_INT", 3); got != 42 {
		t.Errorf("set: got %d, want 42", got)
	}
	t.Setenv("EMBERSTORE_TEST_INT", "-1")
	if got := EnvInt("EMBERSTORE_TEST_INT", 3); got != 3 {
		t.Errorf("invalid: got %d, want 3", got)
	}
}
