package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lewtec/plantid/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// executeCommand is a helper to run a cobra command and capture its output
func executeCommand(args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// subcommands keep the context of an earlier run unless it is replaced
	setContext(rootCmd, ctx)

	err := rootCmd.ExecuteContext(ctx)

	return out.String(), errOut.String(), err
}

func setContext(cmd *cobra.Command, ctx context.Context) {
	cmd.SetContext(ctx)
	for _, sub := range cmd.Commands() {
		setContext(sub, ctx)
	}
}

func TestExecuteCommandFreshContext(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "config.yaml")
	database := filepath.Join(dir, "plantid.db")
	for i := 0; i < 2; i++ {
		if _, _, err := executeCommand("key", "show", "--config", config, "--database", database); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

type answerModel string

func (m answerModel) Identify(ctx context.Context, apiKey string, image []byte, mimeType string) (string, error) {
	return string(m), nil
}

const fernJSON = `{
  "name": "Boston Fern",
  "scientificName": "Nephrolepis exaltata",
  "confidence": 92.5,
  "description": "A feathery fern.",
  "keyFeatures": ["Arching fronds"],
  "care": {"light": "Indirect", "water": "Keep moist"},
  "commonProblems": [],
  "propagation": "Divide the root ball. Replant the divisions.",
  "growthRate": "Moderate"
}`

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fern.png")
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitCmd(t *testing.T) {
	t.Run("creates config and database", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "config.yaml")
		dbPath := filepath.Join(tempDir, "plantid.db")

		out, errOut, err := executeCommand("init", "-c", configPath, "-d", dbPath)
		if err != nil {
			t.Fatalf("command execution failed: %v, output: %s", err, errOut)
		}
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			t.Errorf("expected config file to be created at %s, but it wasn't", configPath)
		}
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Errorf("expected database file to be created at %s, but it wasn't", dbPath)
		}
		if !strings.Contains(out, "Creating sample configuration file") {
			t.Errorf("expected output to contain 'Creating sample configuration file', but got: %s", out)
		}
	})

	t.Run("keeps an existing config", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "config.yaml")
		dbPath := filepath.Join(tempDir, "plantid.db")
		os.WriteFile(configPath, []byte("server:\n  addr: \":9000\"\n"), 0644)

		out, errOut, err := executeCommand("init", "-c", configPath, "-d", dbPath)
		if err != nil {
			t.Fatalf("command execution failed: %v, output: %s", err, errOut)
		}
		if !strings.Contains(out, "Configuration file already exists") {
			t.Errorf("expected output to contain 'Configuration file already exists', but got: %s", out)
		}
		if !strings.Contains(out, "http://localhost:9000") {
			t.Errorf("expected the configured address in the output, but got: %s", out)
		}
		data, _ := os.ReadFile(configPath)
		if !strings.Contains(string(data), ":9000") {
			t.Errorf("config file was overwritten: %s", data)
		}
	})

	t.Run("rejects an invalid config", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "config.yaml")
		os.WriteFile(configPath, []byte("identify:\n  mode: carrier-pigeon\n"), 0644)

		_, _, err := executeCommand("init", "-c", configPath, "-d", filepath.Join(tempDir, "plantid.db"))
		if err == nil {
			t.Fatal("expected an error for an invalid config")
		}
	})
}

func TestKeyCmd(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	dbPath := filepath.Join(tempDir, "plantid.db")

	out, errOut, err := executeCommand("key", "show", "-c", configPath, "-d", dbPath)
	if err != nil {
		t.Fatalf("key show failed: %v, output: %s", err, errOut)
	}
	if !strings.Contains(out, "No API key saved") {
		t.Errorf("expected no key, got: %s", out)
	}

	out, errOut, err = executeCommand("key", "set", "AIza-secret-9876", "-c", configPath, "-d", dbPath)
	if err != nil {
		t.Fatalf("key set failed: %v, output: %s", err, errOut)
	}
	if strings.Contains(out, "AIza-secret") {
		t.Errorf("the key should be masked, got: %s", out)
	}

	out, _, err = executeCommand("key", "show", "-c", configPath, "-d", dbPath)
	if err != nil {
		t.Fatalf("key show failed: %v", err)
	}
	if !strings.Contains(out, "9876") || strings.Contains(out, "secret") {
		t.Errorf("expected the masked key, got: %s", out)
	}

	if _, _, err := executeCommand("key", "set", "   ", "-c", configPath, "-d", dbPath); err == nil {
		t.Error("expected an error for a blank key")
	}

	if _, _, err := executeCommand("key", "clear", "-c", configPath, "-d", dbPath); err != nil {
		t.Fatalf("key clear failed: %v", err)
	}
	out, _, _ = executeCommand("key", "show", "-c", configPath, "-d", dbPath)
	if !strings.Contains(out, "No API key saved") {
		t.Errorf("expected no key after clear, got: %s", out)
	}
}

func TestIdentifyCmd(t *testing.T) {
	handler := relay.NewHandler(relay.Config{
		Model:      answerModel(fernJSON),
		Registerer: prometheus.NewRegistry(),
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	dbPath := filepath.Join(tempDir, "plantid.db")
	imagePath := writePNG(t, tempDir)

	t.Run("prints the plant record", func(t *testing.T) {
		out, errOut, err := executeCommand("identify", imagePath,
			"-c", configPath, "-d", dbPath,
			"--endpoint", srv.URL, "--api-key", "k", "--json=false")
		if err != nil {
			t.Fatalf("identify failed: %v, output: %s", err, errOut)
		}
		for _, want := range []string{
			"Boston Fern (Nephrolepis exaltata)",
			"92.5% Match",
			"Light:\tIndirect",
			"Water:\tKeep moist",
			"1. Divide the root ball",
			"2. Replant the divisions",
			"Growth Rate: Moderate",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("expected output to contain %q, got: %s", want, out)
			}
		}
	})

	t.Run("prints json", func(t *testing.T) {
		out, _, err := executeCommand("identify", imagePath,
			"-c", configPath, "-d", dbPath,
			"--endpoint", srv.URL, "--api-key", "k", "--json")
		if err != nil {
			t.Fatalf("identify failed: %v", err)
		}
		if !strings.Contains(out, `"scientificName": "Nephrolepis exaltata"`) {
			t.Errorf("expected json output, got: %s", out)
		}
	})

	t.Run("needs an api key", func(t *testing.T) {
		_, _, err := executeCommand("identify", imagePath,
			"-c", configPath, "-d", dbPath,
			"--endpoint", srv.URL, "--api-key=", "--json=false")
		if err == nil || !strings.Contains(err.Error(), "API key not found") {
			t.Errorf("expected a missing key error, got: %v", err)
		}
	})

	t.Run("uses the saved key", func(t *testing.T) {
		if _, _, err := executeCommand("key", "set", "saved", "-c", configPath, "-d", dbPath); err != nil {
			t.Fatal(err)
		}
		out, _, err := executeCommand("identify", imagePath,
			"-c", configPath, "-d", dbPath,
			"--endpoint", srv.URL, "--api-key=", "--json=false")
		if err != nil {
			t.Fatalf("identify failed: %v", err)
		}
		if !strings.Contains(out, "Boston Fern") {
			t.Errorf("expected the plant name, got: %s", out)
		}
	})

	t.Run("rejects files that are not images", func(t *testing.T) {
		notes := filepath.Join(tempDir, "notes.txt")
		os.WriteFile(notes, []byte("just some words"), 0644)
		_, _, err := executeCommand("identify", notes,
			"-c", configPath, "-d", dbPath,
			"--endpoint", srv.URL, "--api-key", "k", "--json=false")
		if err == nil || !strings.Contains(err.Error(), "not a supported image") {
			t.Errorf("expected a not-an-image error, got: %v", err)
		}
	})
}
