// Package promptvariants loads per-agent prompt variant text and computes
// the prompt-epoch hash that isolates variant statistics across content
// changes.
package promptvariants

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BayesianSociety/orchestrator/internal/orchconst"
)

// Variant is one candidate prompt body for an agent key.
type Variant struct {
	ID   string
	Text string
}

func listTxtFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".txt") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func loadVariantsFrom(root, dir string) ([]Variant, error) {
	files, err := listTxtFiles(dir)
	if err != nil || len(files) == 0 {
		return nil, err
	}
	var variants []Variant
	for _, f := range files {
		data, rerr := os.ReadFile(f)
		if rerr != nil {
			continue
		}
		rel, _ := filepath.Rel(root, f)
		variants = append(variants, Variant{ID: filepath.ToSlash(rel), Text: string(data)})
	}
	return variants, nil
}

var embeddedBase = "You are the {role} specialist.\n" +
	"Follow only the allowed paths for this step.\n" +
	"Do not modify /.orchestrator/** or .git/**.\n" +
	"Use deterministic, minimal edits.\n" +
	"If a project brief is provided below, do not contradict it.\n"

// ForAgent returns the candidate prompt variants for agent, preferring the
// project's own prompts/<agent>/*.txt library (design-b feature) over the
// orchestrator's bundled templates, falling back to two embedded
// deterministic variants when neither exists.
func ForAgent(root, agent string, designB bool) []Variant {
	if designB {
		dir := filepath.Join(root, orchconst.PromptsDir, agent)
		if variants, _ := loadVariantsFrom(root, dir); len(variants) > 0 {
			return variants
		}
	}

	templateDir := filepath.Join(root, ".orchestrator", "prompt_templates", agent)
	if variants, _ := loadVariantsFrom(root, templateDir); len(variants) > 0 {
		return variants
	}

	base := strings.ReplaceAll(embeddedBase, "{role}", agent)
	return []Variant{
		{ID: "embedded/" + agent + "/v1", Text: base + "Variant: strict minimal edits."},
		{ID: "embedded/" + agent + "/v2", Text: base + "Variant: produce complete output in one pass."},
	}
}

// EpochHash computes the prompt-epoch id: a SHA-256 over the sorted
// (variant_id, variant_text) pairs plus, under the design-b feature, the
// sorted (skill_path, skill_content_hash) pairs.
func EpochHash(root string, variants []Variant, designB bool) string {
	sorted := append([]Variant(nil), variants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, v := range sorted {
		h.Write([]byte(v.ID))
		h.Write([]byte{'\n'})
		h.Write([]byte(v.Text))
		h.Write([]byte{'\n'})
	}

	if designB {
		skillsDir := filepath.Join(root, orchconst.SkillsDir)
		var skillFiles []string
		_ = filepath.Walk(skillsDir, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !info.IsDir() {
				skillFiles = append(skillFiles, path)
			}
			return nil
		})
		sort.Strings(skillFiles)
		for _, f := range skillFiles {
			rel, _ := filepath.Rel(root, f)
			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			sum := sha256.Sum256(data)
			h.Write([]byte(filepath.ToSlash(rel)))
			h.Write([]byte(hex.EncodeToString(sum[:])))
			h.Write([]byte{'\n'})
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
