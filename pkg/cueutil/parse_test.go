// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"strings"
	"testing"
)

const testSchema = `
#Mirror: {
	url:      string & =~"^https?://"
	attempts: int & >=1 | *3
	tokens: [...string]
}
`

type mirror struct {
	URL      string   `json:"url"`
	Attempts int      `json:"attempts"`
	Tokens   []string `json:"tokens"`
}

func TestParseAndDecode(t *testing.T) {
	t.Parallel()

	res, err := ParseAndDecode[mirror]([]byte(testSchema), []byte(`url: "https://registry.example.com"
tokens: ["a", "b"]
`), "#Mirror", WithFilename("mirror.cue"))
	if err != nil {
		t.Fatalf("ParseAndDecode() error = %v", err)
	}
	if res.Value.URL != "https://registry.example.com" || res.Value.Attempts != 3 || len(res.Value.Tokens) != 2 {
		t.Errorf("unexpected value %+v", res.Value)
	}
}

func TestParseAndDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     string
		opts     []Option
		contains []string
	}{
		{name: "syntax", data: `url: "x`, contains: []string{"mirror.cue"}},
		{name: "constraint", data: `url: "ftp://x"`, contains: []string{"mirror.cue", "url"}},
		{name: "bound", data: "url: \"https://x\"\nattempts: 0", contains: []string{"attempts"}},
		{name: "closed definition", data: "url: \"https://x\"\nextra: 1", contains: []string{"extra"}},
		{name: "size", data: `url: "https://registry.example.com"`, opts: []Option{WithMaxFileSize(8)}, contains: []string{"exceeds maximum"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := append([]Option{WithFilename("mirror.cue")}, tt.opts...)
			_, err := ParseAndDecode[mirror]([]byte(testSchema), []byte(tt.data), "#Mirror", opts...)
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, want := range tt.contains {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestParseAndDecode_MissingDefinition(t *testing.T) {
	t.Parallel()

	_, err := ParseAndDecode[mirror]([]byte(testSchema), []byte(`url: "https://x"`), "#Nope")
	if err == nil || !strings.Contains(err.Error(), "#Nope") {
		t.Errorf("expected missing definition error, got %v", err)
	}
}
