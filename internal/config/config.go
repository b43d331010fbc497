package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Field types understood by the chapter schema validator.
const (
	FieldString  = "string"
	FieldNumber  = "number"
	FieldInteger = "integer"
	FieldBoolean = "boolean"
	FieldList    = "list"
	FieldEnum    = "enum"
)

// Config models pve.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Chapters []Chapter       `yaml:"chapters"`
	Flow     []string        `yaml:"flow"`
	Turn     Turn            `yaml:"turn"`
	Queue    Queue           `yaml:"queue"`
	Safety   Safety          `yaml:"safety"`
	LLM      LLM             `yaml:"llm"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Chapter struct {
	Key    string  `yaml:"key"`
	Title  string  `yaml:"title"`
	Intro  string  `yaml:"intro"`
	Fields []Field `yaml:"fields"`
}

type Field struct {
	ID       string   `yaml:"id"`
	Label    string   `yaml:"label"`
	Type     string   `yaml:"type"`
	Enum     []string `yaml:"enum"`
	Required bool     `yaml:"required"`
	Aliases  []string `yaml:"aliases"`
}

// Turn holds the product-tuned thresholds of the turn pipeline.
type Turn struct {
	AutoApplyConfidence  float64 `yaml:"auto_apply_confidence"`
	PendingConfidence    float64 `yaml:"pending_confidence"`
	MinConfidence        float64 `yaml:"min_confidence"`
	FastIntentConfidence float64 `yaml:"fast_intent_confidence"`
	MaxAttempts          int     `yaml:"max_attempts"`
	BackoffMS            int     `yaml:"backoff_ms"`
	MemoryTurns          int     `yaml:"memory_turns"`
	RetrievalLimit       int     `yaml:"retrieval_limit"`
}

// Queue holds the architect event intake timings.
type Queue struct {
	DebounceMS       int `yaml:"debounce_ms"`
	DedupeTTLSeconds int `yaml:"dedupe_ttl_seconds"`
	RateLimitSeconds int `yaml:"rate_limit_seconds"`
}

type Safety struct {
	BlockedPhrases []string `yaml:"blocked_phrases"`
}

type LLM struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float64 `yaml:"temperature"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pve config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the default config when the file does not exist.
func LoadOptional(workspace, projectID string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(projectID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Chapters) == 0 {
		return fmt.Errorf("config.chapters is required")
	}
	seen := map[string]bool{}
	for _, ch := range c.Chapters {
		if ch.Key == "" {
			return fmt.Errorf("config.chapters contains empty key")
		}
		if seen[ch.Key] {
			return fmt.Errorf("chapter %s defined twice", ch.Key)
		}
		seen[ch.Key] = true
		for _, f := range ch.Fields {
			if f.ID == "" {
				return fmt.Errorf("chapter %s has field with empty id", ch.Key)
			}
			switch f.Type {
			case FieldString, FieldNumber, FieldInteger, FieldBoolean, FieldList:
			case FieldEnum:
				if len(f.Enum) == 0 {
					return fmt.Errorf("field %s.%s is enum without values", ch.Key, f.ID)
				}
			default:
				return fmt.Errorf("field %s.%s has invalid type %q", ch.Key, f.ID, f.Type)
			}
		}
	}
	for _, key := range c.Flow {
		if !seen[key] {
			return fmt.Errorf("flow references unknown chapter %s", key)
		}
	}
	t := c.Turn
	if t.MinConfidence < 0 || t.MinConfidence > t.PendingConfidence || t.PendingConfidence > t.AutoApplyConfidence || t.AutoApplyConfidence > 1 {
		return fmt.Errorf("turn confidences must satisfy 0 <= min <= pending <= auto_apply <= 1")
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("turn.max_attempts must be at least 1")
	}
	if c.Queue.DebounceMS <= 0 || c.Queue.DedupeTTLSeconds <= 0 || c.Queue.RateLimitSeconds <= 0 {
		return fmt.Errorf("queue timings must be positive")
	}
	switch c.LLM.Provider {
	case "", "rules", "gemini":
	default:
		return fmt.Errorf("llm.provider must be rules or gemini")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ChapterKeys returns the catalog keys in declaration order.
func (c *Config) ChapterKeys() []string {
	keys := make([]string, 0, len(c.Chapters))
	for _, ch := range c.Chapters {
		keys = append(keys, ch.Key)
	}
	return keys
}

// Chapter looks up a chapter definition by key.
func (c *Config) Chapter(key string) (Chapter, bool) {
	for _, ch := range c.Chapters {
		if ch.Key == key {
			return ch, true
		}
	}
	return Chapter{}, false
}

// Field looks up a field definition by id.
func (ch Chapter) Field(id string) (Field, bool) {
	for _, f := range ch.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (q Queue) Debounce() time.Duration  { return time.Duration(q.DebounceMS) * time.Millisecond }
func (q Queue) DedupeTTL() time.Duration { return time.Duration(q.DedupeTTLSeconds) * time.Second }
func (q Queue) RateLimit() time.Duration { return time.Duration(q.RateLimitSeconds) * time.Second }

func (t Turn) Backoff() time.Duration { return time.Duration(t.BackoffMS) * time.Millisecond }

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pve.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	// chapters and flow from the file replace the defaults wholesale
	cfg.Chapters = nil
	cfg.Flow = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Chapters) == 0 {
		cfg.Chapters = Default("").Chapters
	}
	if len(cfg.Flow) == 0 {
		cfg.Flow = cfg.ChapterKeys()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: programme-of-requirements

chapters:
  - key: basis
    title: Project basics
    intro: "Let's start with the basics: what is the project called and where will it be built?"
    fields:
      - {id: projectName, label: project name, type: string, required: true, aliases: [projectnaam, naam]}
      - {id: location, label: location, type: string, required: true, aliases: [locatie, adres]}
      - {id: projectType, label: project type, type: enum, enum: [nieuwbouw, verbouw, uitbreiding], required: true, aliases: [type]}
      - {id: startDate, label: start date, type: string}
  - key: ruimtes
    title: Rooms
    intro: "Now the rooms. How many bedrooms and bathrooms do you have in mind?"
    fields:
      - {id: bedrooms, label: bedrooms, type: integer, required: true, aliases: [slaapkamers]}
      - {id: bathrooms, label: bathrooms, type: integer, required: true, aliases: [badkamers]}
      - {id: rooms, label: rooms, type: list, aliases: [ruimtes]}
      - {id: floorArea, label: floor area, type: number, aliases: [oppervlakte, m2]}
  - key: wensen
    title: Wishes
    intro: "Which wishes matter most to you? Think of style, light and outdoor space."
    fields:
      - {id: style, label: style, type: enum, enum: [modern, klassiek, landelijk, industrieel], aliases: [stijl]}
      - {id: wishes, label: wishes, type: list, required: true, aliases: [wensen]}
      - {id: mustHaves, label: must haves, type: list}
  - key: budget
    title: Budget
    intro: "Let's talk about the budget range you are comfortable with."
    fields:
      - {id: budgetTotal, label: total budget, type: number, required: true, aliases: [budget, totaalbudget]}
      - {id: contingency, label: contingency, type: number, aliases: [buffer, reserve]}
      - {id: financing, label: financing, type: enum, enum: [eigen, hypotheek, gemengd], aliases: [financiering]}
  - key: techniek
    title: Building services
    intro: "Next up: heating, ventilation and other installations."
    fields:
      - {id: heating, label: heating, type: enum, enum: [warmtepomp, cv, stadsverwarming], required: true, aliases: [verwarming]}
      - {id: ventilation, label: ventilation, type: string, aliases: [ventilatie]}
      - {id: smartHome, label: smart home, type: boolean, aliases: [domotica]}
  - key: duurzaamheid
    title: Sustainability
    intro: "How ambitious do you want to be on sustainability?"
    fields:
      - {id: energyLabel, label: energy label, type: enum, enum: [A++++, A+++, A++, A+, A, B], aliases: [energielabel]}
      - {id: solarPanels, label: solar panels, type: integer, aliases: [zonnepanelen]}
      - {id: measures, label: measures, type: list, aliases: [maatregelen]}
  - key: risico
    title: Risks
    intro: "Finally, are there risks or constraints the architect should know about?"
    fields:
      - {id: risks, label: risks, type: list, required: true, aliases: [risicos]}
      - {id: permitsNeeded, label: permits needed, type: boolean, aliases: [vergunning]}

flow: [basis, ruimtes, wensen, budget, techniek, duurzaamheid, risico]

turn:
  auto_apply_confidence: 0.95
  pending_confidence: 0.7
  min_confidence: 0.5
  fast_intent_confidence: 0.85
  max_attempts: 2
  backoff_ms: 0
  memory_turns: 6
  retrieval_limit: 3

queue:
  debounce_ms: 800
  dedupe_ttl_seconds: 30
  rate_limit_seconds: 10

safety:
  blocked_phrases:
    - "guaranteed permit"
    - "gegarandeerde vergunning"

llm:
  provider: rules
  model: gemini-2.5-flash
  api_key_env: GEMINI_API_KEY
  temperature: 0.4
`
