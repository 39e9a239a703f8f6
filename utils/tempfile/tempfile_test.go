package tempfile_test

import (
	"os"
	"path"
	"strings"
	"testing"

	"github.com/goatherd/mirror-cache/utils/tempfile"
)

func TestTempfileCreator(t *testing.T) {
	tfc := tempfile.NewCreator()

	dir, err := os.MkdirTemp("", "foo")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	targetFile := path.Join(dir, "foo")
	tf, random, err := tfc.Create(targetFile, false)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tf.Name())

	expectedName := targetFile + "-" + random
	if tf.Name() != expectedName {
		t.Fatalf("Expected tempfile %q, got %q", expectedName, tf.Name())
	}

	expectedPrefix := targetFile + "-"
	if !strings.HasPrefix(tf.Name(), expectedPrefix) {
		t.Fatalf("Expected tempfile %q to have prefix %q", tf.Name(), expectedPrefix)
	}
}

func TestTempfileCreatorLegacySuffix(t *testing.T) {
	tfc := tempfile.NewCreator()

	dir, err := os.MkdirTemp("", "foo")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	targetFile := path.Join(dir, "foo")
	tf, _, err := tfc.Create(targetFile, true)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tf.Name())

	if !strings.HasSuffix(tf.Name(), ".v1") {
		t.Fatalf("Expected tempfile %q to have suffix .v1", tf.Name())
	}
}
