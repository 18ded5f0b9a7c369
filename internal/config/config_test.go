package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const settings = `
devConfig:
  topic: lasair_2TiDES-test
  groupID: tides01
  lasairToken: abc
  selectFunctionPath: ./selectionFunctions.yaml
  selectFunction: tdes
  pollTimeout: 10s
prodConfig:
  topic: lasair_2TiDES
  groupID: tides
  lasairTokenFile: /etc/tides/token.yaml
  selectFunctionPath: ./selectionFunctions.yaml
  selectFunction: tdes
  chunkSize: 20
  workers: 8
`

func TestLoadProfileAppliesDefaults(t *testing.T) {
	path := writeFile(t, "flowSettings.yaml", settings)

	p, err := LoadProfile(path, DefaultProfile)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Topic != "lasair_2TiDES-test" {
		t.Fatalf("Topic = %q", p.Topic)
	}
	if p.PollTimeout != 10*time.Second {
		t.Fatalf("PollTimeout = %s, want 10s", p.PollTimeout)
	}
	if p.ChunkSize != 50 {
		t.Fatalf("ChunkSize = %d, want default 50", p.ChunkSize)
	}
	if p.PollInterval != 15*time.Minute {
		t.Fatalf("PollInterval = %s, want default 15m", p.PollInterval)
	}
	if p.CacheTTL != 0 {
		t.Fatalf("CacheTTL = %s, want 0 (caching off unless configured)", p.CacheTTL)
	}
	if err := p.ValidateStream(); err != nil {
		t.Fatalf("ValidateStream: %v", err)
	}

	prod, err := LoadProfile(path, "prodConfig")
	if err != nil {
		t.Fatalf("LoadProfile prod: %v", err)
	}
	if prod.ChunkSize != 20 || prod.Workers != 8 {
		t.Fatalf("prod chunk/workers = %d/%d", prod.ChunkSize, prod.Workers)
	}
}

func TestLoadProfileUnknown(t *testing.T) {
	path := writeFile(t, "flowSettings.yaml", settings)
	if _, err := LoadProfile(path, "nope"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		stream  bool
		wantErr bool
	}{
		{"complete", Profile{Topic: "t", GroupID: "g", LasairToken: "x", SelectFunctionPath: "p", SelectFunction: "f"}, true, false},
		{"no topic", Profile{GroupID: "g", LasairToken: "x", SelectFunctionPath: "p", SelectFunction: "f"}, true, true},
		{"no topic for check", Profile{LasairToken: "x", SelectFunctionPath: "p", SelectFunction: "f"}, false, false},
		{"no token", Profile{SelectFunctionPath: "p", SelectFunction: "f"}, false, true},
		{"token file", Profile{LasairTokenFile: "t.yaml", SelectFunctionPath: "p", SelectFunction: "f"}, false, false},
		{"no function", Profile{LasairToken: "x", SelectFunctionPath: "p"}, false, true},
		{"negative cache ttl", Profile{LasairToken: "x", SelectFunctionPath: "p", SelectFunction: "f", CacheTTL: -time.Minute}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.stream {
				err = tt.profile.ValidateStream()
			} else {
				err = tt.profile.ValidateClassify()
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToken(t *testing.T) {
	p := Profile{LasairToken: "literal"}
	if tok, err := p.Token(); err != nil || tok != "literal" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}

	path := writeFile(t, "token.yaml", "lasair:\n  token: from-file\n")
	p = Profile{LasairTokenFile: path}
	tok, err := p.Token()
	if err != nil {
		t.Fatalf("Token(): %v", err)
	}
	if tok != "from-file" {
		t.Fatalf("Token() = %q, want from-file", tok)
	}

	empty := writeFile(t, "empty.yaml", "lasair: {}\n")
	if _, err := ReadTokenFile(empty); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := (&Profile{}).Token(); err == nil {
		t.Fatal("expected error with no token configured")
	}
}
