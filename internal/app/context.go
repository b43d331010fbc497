package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"pveassist/internal/config"
	"pveassist/internal/llm"
)

// ResolveConfig loads pve.yml from the workspace, falling back to the default
// catalog when there is none. A project override wins over the file's id.
func ResolveConfig(workspace, projectOverride string) (*config.Config, error) {
	projectID := strings.TrimSpace(projectOverride)
	cfg, err := config.LoadOptional(workspace, projectID)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		cfg.Project.ID = projectID
	}
	if cfg.Project.ID == "" {
		return nil, fmt.Errorf("project not specified; use --project or set project.id in %s", config.Path(workspace))
	}
	return cfg, nil
}

// NewGenerator picks the response-generation backend from the llm section.
// The rules backend needs no credentials; gemini reads its key from the
// environment variable named by api_key_env.
func NewGenerator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (llm.Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.LLM.Provider {
	case "", "rules":
		logger.Info("using rule-based generator")
		return llm.RulesGenerator{Config: cfg}, nil
	case "gemini":
		envName := cfg.LLM.APIKeyEnv
		if envName == "" {
			envName = "GEMINI_API_KEY"
		}
		key := os.Getenv(envName)
		if key == "" {
			return nil, fmt.Errorf("llm.provider is gemini but %s is not set", envName)
		}
		gen, err := llm.NewGeminiGenerator(ctx, key, cfg.LLM.Model, cfg.LLM.Temperature)
		if err != nil {
			return nil, err
		}
		logger.Info("using gemini generator", zap.String("model", gen.Name()))
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
