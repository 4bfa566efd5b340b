package retrieve

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSplit_Markdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		content  string
		sections []string
	}{
		{
			name:     "preamble and two sections",
			content:  "# CPU runbook\nintro text\n## Diagnosis\ncheck top\n## Mitigation\nscale out\n",
			sections: []string{"Introduction", "Diagnosis", "Mitigation"},
		},
		{
			name:     "no preamble",
			content:  "## Diagnosis\ncheck top\n## Mitigation\nscale out",
			sections: []string{"Diagnosis", "Mitigation"},
		},
		{
			name:     "blank preamble",
			content:  "\n\n## Diagnosis\ncheck top\n## Mitigation\nscale out",
			sections: []string{"Diagnosis", "Mitigation"},
		},
		{
			name:     "level three headers stay inside",
			content:  "## Diagnosis\n### Step 1\ncheck top",
			sections: []string{"Diagnosis"},
		},
		{
			name:     "no headers",
			content:  "just text",
			sections: []string{"Introduction"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunks := Split("cpu.md", tt.content)
			if len(chunks) != len(tt.sections) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.sections))
			}
			for i, c := range chunks {
				if c.Section != tt.sections[i] {
					t.Errorf("chunk %d Section = %q, want %q", i, c.Section, tt.sections[i])
				}
				if c.Document != "cpu.md" {
					t.Errorf("chunk %d Document = %q, want %q", i, c.Document, "cpu.md")
				}
			}
		})
	}
}

func TestSplit_HeaderKeptAsFirstLine(t *testing.T) {
	t.Parallel()

	chunks := Split("cpu.md", "## Mitigation\nscale out\n")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !strings.HasPrefix(chunks[0].Content, "## Mitigation\n") {
		t.Errorf("Content = %q, want header as first line", chunks[0].Content)
	}
}

func TestSplit_NonMarkdown(t *testing.T) {
	t.Parallel()

	chunks := Split("app.log", "## not a header here\nERROR timeout")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Section != SectionFullDocument {
		t.Errorf("Section = %q, want %q", chunks[0].Section, SectionFullDocument)
	}
}

func TestChunk_EmbeddingText(t *testing.T) {
	t.Parallel()

	c := Chunk{Section: "Mitigation", Content: "scale out"}
	if got, want := c.EmbeddingText(), "Section: Mitigation. Content: scale out"; got != want {
		t.Errorf("EmbeddingText() = %q, want %q", got, want)
	}
}

func TestLoadCorpus(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"runbooks/high_cpu.md":   {Data: []byte("## Diagnosis\ncheck top\n## Mitigation\nscale out")},
		"runbooks/db_latency.md": {Data: []byte("## Diagnosis\ncheck slow queries")},
		"logs/checkout.log":      {Data: []byte("ERROR cpu throttled")},
		"other/ignored.md":       {Data: []byte("## Ignored\nx")},
	}

	chunks, err := LoadCorpus(fsys, DefaultCorpusDirs)
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}

	var docs []string
	for _, c := range chunks {
		docs = append(docs, c.Document+"/"+c.Section)
	}
	want := []string{
		"db_latency.md/Diagnosis",
		"high_cpu.md/Diagnosis",
		"high_cpu.md/Mitigation",
		"checkout.log/Full Document",
	}
	if strings.Join(docs, ",") != strings.Join(want, ",") {
		t.Errorf("chunks = %v, want %v", docs, want)
	}
}

func TestLoadCorpus_Empty(t *testing.T) {
	t.Parallel()

	_, err := LoadCorpus(fstest.MapFS{}, DefaultCorpusDirs)
	if !errors.Is(err, ErrEmptyCorpus) {
		t.Errorf("err = %v, want ErrEmptyCorpus", err)
	}
}
