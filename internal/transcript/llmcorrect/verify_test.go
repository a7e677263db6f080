package llmcorrect

import (
	"strings"
	"testing"
)

func TestVerifyCorrectedText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		original        string
		corrected       string
		corrections     []Correction
		wantText        string
		wantCorrections int
	}{
		{
			name:            "identical text",
			original:        "the deployment succeeded",
			corrected:       "the deployment succeeded",
			corrections:     nil,
			wantText:        "the deployment succeeded",
			wantCorrections: 0,
		},
		{
			name:      "single verified correction",
			original:  "kubernetis crashed",
			corrected: "Kubernetes crashed",
			corrections: []Correction{
				{Original: "kubernetis", Corrected: "Kubernetes", Confidence: 0.9},
			},
			wantText:        "Kubernetes crashed",
			wantCorrections: 1,
		},
		{
			name:      "multi-word correction",
			original:  "cooper netties manages the cluster",
			corrected: "Kubernetes manages the cluster",
			corrections: []Correction{
				{Original: "cooper netties", Corrected: "Kubernetes", Confidence: 0.9},
			},
			wantText:        "Kubernetes manages the cluster",
			wantCorrections: 1,
		},
		{
			name:            "unverified change reverted",
			original:        "the build runs quickly",
			corrected:       "the build runs slowly",
			corrections:     nil,
			wantText:        "the build runs quickly",
			wantCorrections: 0,
		},
		{
			name:      "mixed verified and unverified",
			original:  "cooper netties runs on the small cluster",
			corrected: "Kubernetes runs on the massive cluster",
			corrections: []Correction{
				{Original: "cooper netties", Corrected: "Kubernetes", Confidence: 0.9},
			},
			wantText:        "Kubernetes runs on the small cluster",
			wantCorrections: 1,
		},
		{
			name:            "empty corrections with changed text reverts fully",
			original:        "the pipeline deploys nightly",
			corrected:       "the workflow ships daily",
			corrections:     []Correction{},
			wantText:        "the pipeline deploys nightly",
			wantCorrections: 0,
		},
		{
			name:      "punctuation attached to tokens",
			original:  "We migrated to Postgress.",
			corrected: "We migrated to Postgres.",
			corrections: []Correction{
				{Original: "Postgress", Corrected: "Postgres", Confidence: 0.85},
			},
			wantText:        "We migrated to Postgres.",
			wantCorrections: 1,
		},
		{
			name:      "multiple verified corrections",
			original:  "cooper netties deploys via git hub Actions.",
			corrected: "Kubernetes deploys via GitHub Actions.",
			corrections: []Correction{
				{Original: "cooper netties", Corrected: "Kubernetes", Confidence: 0.9},
				{Original: "git hub", Corrected: "GitHub", Confidence: 0.85},
			},
			wantText:        "Kubernetes deploys via GitHub Actions.",
			wantCorrections: 2,
		},
		{
			name:      "case insensitive lookup",
			original:  "KUBERNETIS crashed",
			corrected: "Kubernetes crashed",
			corrections: []Correction{
				{Original: "kubernetis", Corrected: "Kubernetes", Confidence: 0.9},
			},
			wantText:        "Kubernetes crashed",
			wantCorrections: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotText, gotCorr := verifyCorrectedText(tt.original, tt.corrected, tt.corrections)
			if gotText != tt.wantText {
				t.Errorf("text = %q, want %q", gotText, tt.wantText)
			}
			if len(gotCorr) != tt.wantCorrections {
				t.Errorf("corrections count = %d, want %d", len(gotCorr), tt.wantCorrections)
			}
		})
	}
}

func TestTokenLCS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		a, b    []string
		wantLen int
	}{
		{"both empty", nil, nil, 0},
		{"a empty", nil, strings.Fields("hello world"), 0},
		{"b empty", strings.Fields("hello world"), nil, 0},
		{"identical", strings.Fields("a b c"), strings.Fields("a b c"), 3},
		{"no common", strings.Fields("a b"), strings.Fields("c d"), 0},
		{"partial overlap", strings.Fields("a b c d"), strings.Fields("a x c d"), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			anchors := tokenLCS(tt.a, tt.b)
			if len(anchors) != tt.wantLen {
				t.Errorf("LCS length = %d, want %d", len(anchors), tt.wantLen)
			}
		})
	}
}

func TestExtractChangeSpans(t *testing.T) {
	t.Parallel()

	orig := strings.Fields("a X c Y e")
	corr := strings.Fields("a B c D e")
	anchors := tokenLCS(orig, corr)
	spans := extractChangeSpans(orig, corr, anchors)

	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if strings.Join(spans[0].origTokens, " ") != "X" {
		t.Errorf("span[0].orig = %q, want %q", strings.Join(spans[0].origTokens, " "), "X")
	}
	if strings.Join(spans[0].corrTokens, " ") != "B" {
		t.Errorf("span[0].corr = %q, want %q", strings.Join(spans[0].corrTokens, " "), "B")
	}
	if strings.Join(spans[1].origTokens, " ") != "Y" {
		t.Errorf("span[1].orig = %q, want %q", strings.Join(spans[1].origTokens, " "), "Y")
	}
	if strings.Join(spans[1].corrTokens, " ") != "D" {
		t.Errorf("span[1].corr = %q, want %q", strings.Join(spans[1].corrTokens, " "), "D")
	}
}
