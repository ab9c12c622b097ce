package agent

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"strings"
)

//go:embed prompts/*.md
var embeddedPrompts embed.FS

// Role prompts that are never part of the worker prompt.
var rolePrompts = map[string]bool{
	"planner.md":   true,
	"evaluator.md": true,
}

// PromptManager loads markdown prompts from a directory. Missing files fall
// back to the built-in prompts.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

func defaultPromptFS() fs.FS {
	sub, err := fs.Sub(embeddedPrompts, "prompts")
	if err != nil {
		panic(err)
	}
	return sub
}

func (pm *PromptManager) dirFS() (fs.FS, bool) {
	if pm == nil || pm.Directory == "" {
		return nil, false
	}
	if info, err := os.Stat(pm.Directory); err != nil || !info.IsDir() {
		return nil, false
	}
	return os.DirFS(pm.Directory), true
}

// GetWorkerPrompt joins every worker prompt file in a fixed order: identity,
// soul, capabilities, worker_directive, user, then the rest by name.
func (pm *PromptManager) GetWorkerPrompt() (string, error) {
	if fsys, ok := pm.dirFS(); ok {
		prompt, err := workerPromptFrom(fsys)
		if err == nil {
			return prompt, nil
		}
		log.Printf("Warning: %v in %s, using built-in worker prompt", err, pm.Directory)
	}
	return workerPromptFrom(defaultPromptFS())
}

func workerPromptFrom(fsys fs.FS) (string, error) {
	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %v", err)
	}

	order := map[string]int{
		"identity.md":         1,
		"soul.md":             2,
		"capabilities.md":     3,
		"worker_directive.md": 4,
		"user.md":             5,
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := order[files[i].Name()]
		oj, okJ := order[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	var contents []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") || rolePrompts[f.Name()] {
			continue
		}
		data, err := fs.ReadFile(fsys, f.Name())
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", f.Name(), err)
			continue
		}
		contents = append(contents, string(data))
	}

	if len(contents) == 0 {
		return "", fmt.Errorf("no prompt files found")
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

func (pm *PromptManager) GetPlannerPrompt() (string, error) {
	return pm.rolePrompt("planner.md")
}

func (pm *PromptManager) GetEvaluatorPrompt() (string, error) {
	return pm.rolePrompt("evaluator.md")
}

func (pm *PromptManager) rolePrompt(name string) (string, error) {
	if fsys, ok := pm.dirFS(); ok {
		if data, err := fs.ReadFile(fsys, name); err == nil {
			return string(data), nil
		}
	}
	data, err := fs.ReadFile(defaultPromptFS(), name)
	if err != nil {
		return "", fmt.Errorf("failed to read %s prompt: %v", strings.TrimSuffix(name, ".md"), err)
	}
	return string(data), nil
}
